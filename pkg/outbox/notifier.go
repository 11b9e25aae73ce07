package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/sofia/pkg/config"
	"github.com/malbeclabs/sofia/pkg/coverage"
	"github.com/malbeclabs/sofia/pkg/runs"
)

type Recipient struct {
	Channel Channel
	Address string
}

// Recipients returns one recipient per configured channel.
func Recipients(n config.Notifications) []Recipient {
	var out []Recipient
	if n.EmailTo != "" {
		out = append(out, Recipient{Channel: ChannelEmail, Address: n.EmailTo})
	}
	if n.WhatsAppNumber != "" {
		out = append(out, Recipient{Channel: ChannelWhatsApp, Address: n.WhatsAppNumber})
	}
	return out
}

type NotifierConfig struct {
	Logger     *slog.Logger
	Store      *Store
	Recipients []Recipient
	// APIURL is linked from message bodies when set.
	APIURL string
}

func (cfg *NotifierConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

// Notifier turns pipeline events into outbox rows, one per recipient.
type Notifier struct {
	log *slog.Logger
	cfg NotifierConfig
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Notifier{log: cfg.Logger, cfg: cfg}, nil
}

// RunFailed satisfies runs.Notifier.
func (n *Notifier) RunFailed(ctx context.Context, r runs.Run) error {
	subject := fmt.Sprintf("[sofia] %s run %d %s", r.CollectorName, r.ID, r.Status)
	var b strings.Builder
	fmt.Fprintf(&b, "Collector %s finished with status %s", r.CollectorName, r.Status)
	if r.ErrorCode != "" {
		fmt.Fprintf(&b, " (%s)", r.ErrorCode)
	}
	fmt.Fprintf(&b, ".\nRows inserted: %d, rows failed: %d.\n", r.RowsInserted, r.RowsFailed)
	if r.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.Error)
	}
	if n.cfg.APIURL != "" {
		fmt.Fprintf(&b, "Runs: %s/api/runs?collector=%s\n", strings.TrimRight(n.cfg.APIURL, "/"), r.CollectorName)
	}
	return n.enqueue(ctx, fmt.Sprintf("run:%d", r.ID), subject, b.String())
}

// LowCoverage reports countries whose coverage fell under the threshold.
// The dedup key includes the country set, so an unchanged report is not
// sent twice.
func (n *Notifier) LowCoverage(ctx context.Context, countries []coverage.CountryCoverage) error {
	if len(countries) == 0 {
		return nil
	}
	var (
		b    strings.Builder
		keys []string
	)
	fmt.Fprintf(&b, "%d countries have coverage below %d:\n", len(countries), coverage.LowCoverage)
	for _, c := range countries {
		fmt.Fprintf(&b, "- %s (%s): %.0f\n", c.CountryCode, c.Scope, c.Score)
		keys = append(keys, fmt.Sprintf("%s/%s/%.0f", c.CountryCode, c.Scope, c.Score))
	}
	subject := fmt.Sprintf("[sofia] low coverage in %d countries", len(countries))
	return n.enqueue(ctx, "coverage:"+strings.Join(keys, ","), subject, b.String())
}

func (n *Notifier) enqueue(ctx context.Context, key, subject, body string) error {
	if len(n.cfg.Recipients) == 0 {
		n.log.Debug("outbox: no recipients configured, dropping notification", "subject", subject)
		return nil
	}
	for _, rcpt := range n.cfg.Recipients {
		_, err := n.cfg.Store.Enqueue(ctx, Message{
			ID:        MessageID(key + "|" + string(rcpt.Channel) + "|" + rcpt.Address),
			Channel:   rcpt.Channel,
			Recipient: rcpt.Address,
			Subject:   subject,
			Body:      body,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
