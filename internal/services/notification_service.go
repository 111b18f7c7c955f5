package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"billingsync/internal/metrics"
	"billingsync/internal/models"
	"billingsync/internal/repositories"

	"github.com/google/uuid"
	"github.com/mrz1836/postmark"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

type NotificationKind string

const (
	NotificationCanceled NotificationKind = "subscription.canceled"
	NotificationExpired  NotificationKind = "subscription.expired"
	NotificationRefunded NotificationKind = "subscription.refunded"
)

// Notification describes a committed transition users may need to hear about
type Notification struct {
	Kind           NotificationKind          `json:"kind"`
	SubscriptionID uuid.UUID                 `json:"subscription_id"`
	UserID         uuid.UUID                 `json:"user_id"`
	PlanID         uuid.UUID                 `json:"plan_id"`
	PreviousStatus models.SubscriptionStatus `json:"previous_status"`
	Status         models.SubscriptionStatus `json:"status"`
	EndDate        time.Time                 `json:"end_date"`
	OccurredAt     time.Time                 `json:"occurred_at"`
}

// NotificationFor returns the notification for a committed transition, if it warrants one
func NotificationFor(prev, next *models.UserSubscription, at time.Time) (Notification, bool) {
	if next == nil {
		return Notification{}, false
	}
	if prev != nil && prev.Status == next.Status {
		return Notification{}, false
	}

	var kind NotificationKind
	switch next.Status {
	case models.StatusCanceled:
		kind = NotificationCanceled
	case models.StatusExpired:
		kind = NotificationExpired
	case models.StatusRefunded:
		kind = NotificationRefunded
	default:
		return Notification{}, false
	}

	n := Notification{
		Kind:           kind,
		SubscriptionID: next.ID,
		UserID:         next.UserID,
		PlanID:         next.PlanID,
		Status:         next.Status,
		EndDate:        next.EndDate,
		OccurredAt:     at,
	}
	if prev != nil {
		n.PreviousStatus = prev.Status
	}
	return n, true
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// publisher is what the AMQP notifier needs from a broker connection
type publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
}

// RabbitMQPublisher publishes to a durable topic exchange
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	mu       sync.Mutex
}

func NewRabbitMQPublisher(url, exchange string) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info().Str("exchange", exchange).Msg("RabbitMQ publisher connected")

	return &RabbitMQPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
	}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         payload,
		},
	)
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing RabbitMQ channel")
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type amqpNotifier struct {
	pub publisher
}

// NewAMQPNotifier publishes notifications with the notification kind as routing key
func NewAMQPNotifier(pub publisher) Notifier {
	return &amqpNotifier{pub: pub}
}

func (a *amqpNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := a.pub.Publish(ctx, string(n.Kind), payload); err != nil {
		metrics.NotificationsTotal.WithLabelValues("amqp", "error").Inc()
		return fmt.Errorf("publish %s: %w", n.Kind, err)
	}
	metrics.NotificationsTotal.WithLabelValues("amqp", "ok").Inc()
	return nil
}

// emailSender is the subset of *postmark.Client in use
type emailSender interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

type EmailConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
}

type emailNotifier struct {
	sender emailSender
	users  repositories.UserRepository
	cfg    EmailConfig
}

func NewPostmarkNotifier(cfg EmailConfig, users repositories.UserRepository) Notifier {
	return newEmailNotifier(postmark.NewClient(cfg.ServerToken, cfg.AccountToken), users, cfg)
}

func newEmailNotifier(sender emailSender, users repositories.UserRepository, cfg EmailConfig) *emailNotifier {
	return &emailNotifier{sender: sender, users: users, cfg: cfg}
}

var emailSubjects = map[NotificationKind]string{
	NotificationCanceled: "Your subscription has been canceled",
	NotificationExpired:  "Your subscription has expired",
	NotificationRefunded: "Your subscription payment was refunded",
}

var emailBody = template.Must(template.New("notification").Parse(
	`Hi {{.Name}},

{{.Subject}}.
{{if eq .Kind "subscription.canceled"}}You keep access until {{.EndDate}}.
{{end}}
Subscription: {{.SubscriptionID}}
`))

func (e *emailNotifier) Notify(ctx context.Context, n Notification) error {
	user, err := e.users.GetByID(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", n.UserID, err)
	}
	if user == nil || strings.TrimSpace(user.Email) == "" {
		log.Debug().Str("user_id", n.UserID.String()).Msg("no email on file, skipping notification email")
		return nil
	}

	subject := emailSubjects[n.Kind]
	var body bytes.Buffer
	err = emailBody.Execute(&body, map[string]interface{}{
		"Name":           user.Name,
		"Subject":        subject,
		"Kind":           string(n.Kind),
		"EndDate":        n.EndDate.Format("January 2, 2006"),
		"SubscriptionID": n.SubscriptionID.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	resp, err := e.sender.SendEmail(ctx, postmark.Email{
		From:     e.cfg.From,
		ReplyTo:  e.cfg.ReplyTo,
		To:       user.Email,
		Subject:  subject,
		Tag:      string(n.Kind),
		TextBody: body.String(),
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("email", "error").Inc()
		return fmt.Errorf("send email: %w", err)
	}
	if resp.ErrorCode > 0 {
		metrics.NotificationsTotal.WithLabelValues("email", "error").Inc()
		return fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
	}
	metrics.NotificationsTotal.WithLabelValues("email", "ok").Inc()
	return nil
}

type fanOutNotifier struct {
	notifiers []Notifier
}

// NewFanOutNotifier delivers to every notifier and joins their errors
func NewFanOutNotifier(notifiers ...Notifier) Notifier {
	return &fanOutNotifier{notifiers: notifiers}
}

func (f *fanOutNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range f.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type logNotifier struct{}

func NewLogNotifier() Notifier {
	return logNotifier{}
}

func (logNotifier) Notify(_ context.Context, n Notification) error {
	log.Info().
		Str("kind", string(n.Kind)).
		Str("subscription_id", n.SubscriptionID.String()).
		Str("user_id", n.UserID.String()).
		Str("from", string(n.PreviousStatus)).
		Str("to", string(n.Status)).
		Msg("subscription notification")
	metrics.NotificationsTotal.WithLabelValues("log", "ok").Inc()
	return nil
}
