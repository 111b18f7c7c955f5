package main

import (
	"billingsync/internal/caching"
	"billingsync/internal/config"
	"billingsync/internal/repositories"
	"billingsync/internal/services"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var plansFile string

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Manage the plan catalog",
}

var plansSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert plans from a TOML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("plans")
		if err != nil {
			return err
		}
		path := plansFile
		if path == "" {
			path = cfg.PlansFile
		}
		file, err := config.LoadPlansFile(path)
		if err != nil {
			return err
		}

		pool, err := connect(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		var cache caching.CacheService
		if cfg.Redis.Addr != "" {
			cache = caching.NewRedisCacheService(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			defer cache.Close()
		}

		catalog := services.NewPlanCatalogService(repositories.NewPlanRepo(pool), cache, planLocalTTL, cfg.Redis.PlanTTL)
		n, err := catalog.SeedPlans(cmd.Context(), file.Plans)
		if err != nil {
			return err
		}
		log.Info().Int("plans", n).Str("file", path).Msg("plan catalog seeded")
		return nil
	},
}

func init() {
	plansSeedCmd.Flags().StringVar(&plansFile, "file", "", "plans TOML file (defaults to PLANS_FILE)")
	plansCmd.AddCommand(plansSeedCmd)
}
