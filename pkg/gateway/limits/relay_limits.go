// Package limits bounds relayed transcript payloads before they reach the
// broadcast service.
package limits

import (
	"fmt"

	"github.com/vango-go/vai-dialog/pkg/core/transcript"
	"github.com/vango-go/vai-dialog/pkg/gateway/apierror"
	"github.com/vango-go/vai-dialog/pkg/gateway/config"
)

// ValidateRelayEvent checks a single relayed event against the per-event caps.
func ValidateRelayEvent(ev transcript.Event, cfg config.Config) error {
	return validateEvent(ev, cfg, "")
}

// ValidateCatchupBatch checks a replayed batch. The param of a returned
// error points at the offending element, e.g. "events[3].text".
func ValidateCatchupBatch(events []transcript.Event, cfg config.Config) error {
	if cfg.MaxCatchupEvents > 0 && len(events) > cfg.MaxCatchupEvents {
		return apierror.InvalidRequest(
			fmt.Sprintf("too many events in catch-up batch (max %d)", cfg.MaxCatchupEvents),
			"events",
		)
	}

	var total int64
	for i, ev := range events {
		prefix := fmt.Sprintf("events[%d].", i)
		if err := validateEvent(ev, cfg, prefix); err != nil {
			return err
		}
		if cfg.MaxCatchupTextBytes <= 0 {
			continue
		}
		total += int64(len(ev.Text))
		if total > cfg.MaxCatchupTextBytes {
			return apierror.InvalidRequest(
				fmt.Sprintf("total text bytes %d exceeds limit %d", total, cfg.MaxCatchupTextBytes),
				prefix+"text",
			)
		}
	}
	return nil
}

func validateEvent(ev transcript.Event, cfg config.Config, prefix string) error {
	if cfg.MaxEventTextBytes > 0 && int64(len(ev.Text)) > cfg.MaxEventTextBytes {
		return apierror.InvalidRequest(
			fmt.Sprintf("text is %d bytes, limit %d", len(ev.Text), cfg.MaxEventTextBytes),
			prefix+"text",
		)
	}
	if cfg.MaxIdentifierBytes > 0 {
		for _, f := range [...]struct{ param, value string }{
			{"sessionId", ev.SessionID},
			{"itemId", ev.ItemID},
			{"mediaRef", ev.MediaRef},
		} {
			if len(f.value) > cfg.MaxIdentifierBytes {
				return apierror.InvalidRequest(
					fmt.Sprintf("%s exceeds %d bytes", f.param, cfg.MaxIdentifierBytes),
					prefix+f.param,
				)
			}
		}
	}
	return nil
}
