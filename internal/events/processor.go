// Package events applies verified provider events to the mirror.
package events

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/stripesync/internal/accounts"
	"github.com/erauner12/stripesync/internal/db"
	"github.com/erauner12/stripesync/internal/entities"
	"github.com/erauner12/stripesync/internal/metrics"
	"github.com/erauner12/stripesync/internal/registry"
	"github.com/erauner12/stripesync/internal/stripeapi"
)

// Outcomes of applying one event.
const (
	OutcomeApplied = "applied" // payload written
	OutcomeDeleted = "deleted" // tombstone written
	OutcomeSkipped = "skipped" // a newer write already landed
	OutcomeIgnored = "ignored" // object kind we do not mirror
)

// Processor turns verified events into entity writes.
type Processor struct {
	Upserter *entities.Upserter
	Accounts *accounts.Store
}

// Process applies one event. Delivery is at least once and unordered;
// every write is gated on the event's created time, so redeliveries
// and stale events land as no-ops and are safe to ack. An error means
// the event should be redelivered.
func (p *Processor) Process(ctx context.Context, accountID string, ev *stripeapi.Event) (string, error) {
	if len(ev.Data.Object) == 0 {
		return "", p.errored(db.Errorf(db.KindPermanent, "event %s (%s) has no payload", ev.ID, ev.Type))
	}
	lastSyncedAt := ev.Created * 1000
	objectName, _ := ev.Data.Object["object"].(string)

	if objectName == "account" {
		if err := p.Accounts.UpsertFromEvent(ctx, ev.Data.Object, lastSyncedAt); err != nil {
			return "", p.errored(err)
		}
		metrics.Events.WithLabelValues(OutcomeApplied).Inc()
		return OutcomeApplied, nil
	}

	if strings.HasSuffix(ev.Type, ".deleted") {
		if _, ok := registry.ByName(objectName); !ok {
			log.Debug().Str("type", ev.Type).Str("object", objectName).Msg("delete event for unmirrored object")
			metrics.Events.WithLabelValues(OutcomeIgnored).Inc()
			return OutcomeIgnored, nil
		}
		id, _ := ev.Data.Object["id"].(string)
		if id == "" {
			return "", p.errored(db.Errorf(db.KindPermanent, "delete event %s has no object id", ev.ID))
		}
		applied, err := p.Upserter.SoftDelete(ctx, objectName, id, accountID, lastSyncedAt)
		if err != nil {
			return "", p.errored(err)
		}
		if !applied {
			metrics.Events.WithLabelValues(OutcomeSkipped).Inc()
			return OutcomeSkipped, nil
		}
		metrics.Events.WithLabelValues(OutcomeDeleted).Inc()
		return OutcomeDeleted, nil
	}

	out, err := p.Upserter.Upsert(ctx, []entities.Doc{ev.Data.Object}, accountID, lastSyncedAt)
	if err != nil {
		return "", p.errored(err)
	}
	switch {
	case out.Errored > 0:
		return "", p.errored(out.Errors[0].Err)
	case out.Ignored > 0:
		log.Debug().Str("type", ev.Type).Str("object", objectName).Msg("event for unmirrored object")
		metrics.Events.WithLabelValues(OutcomeIgnored).Inc()
		return OutcomeIgnored, nil
	case out.Skipped > 0:
		metrics.Events.WithLabelValues(OutcomeSkipped).Inc()
		return OutcomeSkipped, nil
	}
	metrics.Events.WithLabelValues(OutcomeApplied).Inc()
	return OutcomeApplied, nil
}

func (p *Processor) errored(err error) error {
	metrics.Events.WithLabelValues("errored").Inc()
	return err
}
