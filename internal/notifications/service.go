package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/albapepper/gig-dispatch/internal/credentials"
	"github.com/albapepper/gig-dispatch/internal/metrics"
)

// Service sends push notifications to every active device of a recipient.
type Service struct {
	store       Store
	tokens      TokenSource
	sender      Sender
	logger      *slog.Logger
	concurrency int
}

// NewService wires the delivery pipeline. concurrency bounds parallel sends
// per recipient; zero or less uses the default.
func NewService(store Store, tokens TokenSource, sender Sender, logger *slog.Logger, concurrency int) *Service {
	if concurrency <= 0 {
		concurrency = defaultSendConcurrency
	}
	return &Service{
		store:       store,
		tokens:      tokens,
		sender:      sender,
		logger:      logger.With("component", "push-delivery"),
		concurrency: concurrency,
	}
}

// SendToRecipient delivers msg to all of recipientID's active registrations.
// Per-registration failures only show up in the counts; an error is
// returned only when loading registrations or messaging config fails.
func (s *Service) SendToRecipient(ctx context.Context, recipientID string, msg Message) (Delivery, error) {
	return s.NewBatch(ctx).SendToRecipient(ctx, recipientID, msg)
}

// session is what a batch needs to send: where, and with which token.
type session struct {
	projectID   string
	bearer      string
	disabled    bool
	unavailable bool
}

// Batch shares one messaging-config lookup and one credential exchange
// attempt across many recipients of the same dispatch.
type Batch struct {
	svc     *Service
	session func() (session, error)
}

// NewBatch starts a batch. The session is opened lazily by the first
// recipient that actually has a registration.
func (s *Service) NewBatch(ctx context.Context) *Batch {
	return &Batch{
		svc:     s,
		session: sync.OnceValues(func() (session, error) { return s.openSession(ctx) }),
	}
}

func (s *Service) openSession(ctx context.Context) (session, error) {
	cfg, err := s.store.MessagingConfig(ctx)
	if err != nil {
		return session{}, fmt.Errorf("load messaging config: %w", err)
	}
	if cfg == nil || !cfg.Enabled {
		s.logger.Warn("push delivery skipped", "reason", ErrMessagingDisabled)
		return session{disabled: true}, nil
	}

	acct, err := credentials.ParseServiceAccount(cfg.ServiceAccountJSON)
	if err != nil {
		s.logger.Error("push delivery unavailable",
			"error", &credentials.Error{Op: "parse", Err: err})
		return session{unavailable: true}, nil
	}

	bearer, err := s.tokens.AccessToken(ctx, acct)
	if err != nil {
		s.logger.Error("push delivery unavailable", "error", err, "client_email", acct.ClientEmail)
		return session{unavailable: true}, nil
	}
	return session{projectID: acct.ProjectID, bearer: bearer}, nil
}

// SendToRecipient is Service.SendToRecipient sharing the batch session.
func (b *Batch) SendToRecipient(ctx context.Context, recipientID string, msg Message) (Delivery, error) {
	s := b.svc
	log := s.logger.With("recipient_id", recipientID)

	regs, err := s.store.ActiveRegistrations(ctx, recipientID)
	if err != nil {
		return Delivery{}, fmt.Errorf("load registrations for %s: %w", recipientID, err)
	}
	if len(regs) == 0 {
		log.Debug("no active device registrations")
		return Delivery{}, nil
	}

	sess, err := b.session()
	if err != nil {
		return Delivery{}, err
	}
	if sess.disabled {
		return Delivery{}, nil
	}
	if sess.unavailable {
		return Delivery{Unavailable: true}, nil
	}

	outcomes := make([]Outcome, len(regs))
	unauthorized := make([]bool, len(regs))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, reg := range regs {
		i, reg := i, reg
		g.Go(func() error {
			resp := s.sender.Send(ctx, sess.projectID, sess.bearer, reg.Token, msg)
			outcomes[i] = Classify(resp)
			unauthorized[i] = resp.StatusCode == http.StatusUnauthorized
			metrics.PushSends.WithLabelValues(outcomes[i].String()).Inc()

			if outcomes[i] != Success {
				log.Warn("push send failed", "error", NewDeliveryError(reg.ID, resp))
			}
			return nil
		})
	}
	_ = g.Wait()

	var d Delivery
	var dead []string
	staleBearer := false
	for i, o := range outcomes {
		switch o {
		case Success:
			d.Success++
		case Permanent:
			d.Failed++
			dead = append(dead, regs[i].ID)
		default:
			d.Failed++
		}
		staleBearer = staleBearer || unauthorized[i]
	}

	// A rejected bearer is not the device's fault; drop it so the next
	// dispatch exchanges a new one.
	if staleBearer {
		if inv, ok := s.tokens.(interface{ Invalidate() }); ok {
			inv.Invalidate()
		}
	}

	if len(dead) > 0 {
		if err := s.store.Deactivate(ctx, dead); err != nil {
			log.Warn("failed to deactivate dead registrations", "count", len(dead), "error", err)
		} else {
			d.Pruned = len(dead)
			metrics.RegistrationsPruned.Add(float64(len(dead)))
			log.Info("deactivated dead registrations", "count", len(dead))
		}
	}

	log.Info("push delivery finished",
		"devices", len(regs), "success", d.Success, "failed", d.Failed, "pruned", d.Pruned)
	return d, nil
}
