// Package grundner implements the request/reply file handshake used to get
// confirmation from the Grundner material-handling controller. The
// controller has no API: a request CSV is dropped into a shared folder and
// the controller echoes its content back under the reply name. A
// post-normalization byte-exact echo is the only acknowledgment signal.
package grundner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mike2153/NestWatcher-sub000/internal/models"
	"github.com/mike2153/NestWatcher-sub000/internal/telemetry"
)

// Options configures one exchange instance. The material-order and
// delete-confirmation exchanges differ only in filenames and row schema.
type Options struct {
	Dir            string
	RequestName    string
	ReplyName      string
	ReplyTimeout   time.Duration // 0 disables the deadline (test rigs)
	PollInterval   time.Duration
	StableChecks   int
	StableInterval time.Duration
	BusyGrace      time.Duration
	ArchiveMatched bool // archive matched replies instead of deleting them
}

// Result is the outcome of one exchange. Confirmed=false carries a reason
// from the documented taxonomy; infrastructure failures surface as errors.
type Result struct {
	Confirmed  bool   `json:"confirmed"`
	Reason     string `json:"reason,omitempty"`
	ExchangeID string `json:"exchange_id"`
}

// Exchange runs handshakes against one controller folder. Safe for
// concurrent use: a mutex serializes exchanges within the process, and the
// file-presence guard covers requests from other processes.
type Exchange struct {
	opts Options
	mu   sync.Mutex
	log  logrus.FieldLogger
}

// OrderNames are the canonical filenames of the material-order exchange.
func OrderNames() (request, reply string) { return "order_saw.csv", "order_saw.erl" }

// DeleteNames are the canonical filenames of the delete-confirmation
// exchange.
func DeleteNames() (request, reply string) { return "get_production.csv", "get_production.erl" }

func New(opts Options, log logrus.FieldLogger) *Exchange {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.StableChecks <= 0 {
		opts.StableChecks = 3
	}
	if opts.StableInterval <= 0 {
		opts.StableInterval = 250 * time.Millisecond
	}
	return &Exchange{opts: opts, log: log}
}

// Run sends payload as the request file and waits for the controller's
// echo. It never retries internally: a timed-out or mismatched exchange is
// terminal, and the caller may re-invoke the whole operation (stale replies
// are quarantined up front, so a fresh request starts clean).
func (e *Exchange) Run(ctx context.Context, payload string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := Result{ExchangeID: uuid.NewString()}
	log := e.log.WithFields(logrus.Fields{"exchange": res.ExchangeID, "request": e.opts.RequestName})

	reqPath := filepath.Join(e.opts.Dir, e.opts.RequestName)
	replyPath := filepath.Join(e.opts.Dir, e.opts.ReplyName)

	// Single-flight guard: an existing request (or its temp-write variant)
	// means another exchange is in flight. Wait once, then report busy.
	if inFlight(reqPath) {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(e.opts.BusyGrace):
		}
		if inFlight(reqPath) {
			log.Warn("request file still present, reporting busy")
			telemetry.HandshakesFailed.Inc()
			res.Reason = models.ReasonBusy
			return res, nil
		}
	}

	// Clear a stale reply from a previous exchange before sending; keep it
	// for inspection rather than deleting it.
	if _, err := os.Stat(replyPath); err == nil {
		moved, err := moveAside(replyPath, quarantineDir, time.Now())
		if err != nil {
			return res, err
		}
		log.WithField("moved_to", moved).Warn("quarantined stale reply")
	}

	if err := atomicWrite(reqPath, []byte(payload)); err != nil {
		return res, fmt.Errorf("send request: %w", err)
	}
	log.WithField("bytes", len(payload)).Info("request sent")

	ok, err := e.awaitReply(ctx, replyPath)
	if err != nil {
		return res, err
	}
	if !ok {
		// No reply file exists, so there is nothing to clean up besides our
		// own unconsumed request.
		_ = os.Remove(reqPath)
		log.Warn("no reply before timeout")
		telemetry.HandshakesFailed.Inc()
		res.Reason = models.ReasonTimeout
		return res, nil
	}

	if err := e.awaitStable(ctx, replyPath); err != nil {
		return res, err
	}

	reply, err := os.ReadFile(replyPath)
	if err != nil {
		return res, fmt.Errorf("read reply: %w", err)
	}
	// A reply means the controller consumed the request; drop it if the
	// controller left it behind so the next exchange is not reported busy.
	_ = os.Remove(reqPath)

	if Normalize(string(reply)) != Normalize(payload) {
		moved, mErr := moveAside(replyPath, quarantineDir, time.Now())
		if mErr != nil {
			return res, mErr
		}
		log.WithField("moved_to", moved).Warn("reply did not echo request, quarantined")
		telemetry.HandshakesFailed.Inc()
		res.Reason = models.ReasonMismatch
		return res, nil
	}

	if e.opts.ArchiveMatched {
		if _, err := moveAside(replyPath, archiveDir, time.Now()); err != nil {
			return res, err
		}
	} else if err := os.Remove(replyPath); err != nil {
		return res, fmt.Errorf("remove matched reply: %w", err)
	}
	log.Info("exchange confirmed")
	telemetry.HandshakesConfirmed.Inc()
	res.Confirmed = true
	return res, nil
}

// awaitReply polls for the reply file up to the configured timeout. It
// returns false when the deadline passes with no reply.
func (e *Exchange) awaitReply(ctx context.Context, replyPath string) (bool, error) {
	var deadline <-chan time.Time
	if e.opts.ReplyTimeout > 0 {
		timer := time.NewTimer(e.opts.ReplyTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(replyPath); err == nil {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			return false, nil
		case <-ticker.C:
		}
	}
}

// awaitStable waits until the reply's size stops changing across several
// short intervals, so a partially-written file on a slow network share is
// never read.
func (e *Exchange) awaitStable(ctx context.Context, path string) error {
	lastSize := int64(-1)
	stable := 0
	for stable < e.opts.StableChecks {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat reply: %w", err)
		}
		if info.Size() == lastSize {
			stable++
		} else {
			stable = 0
			lastSize = info.Size()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.opts.StableInterval):
		}
	}
	return nil
}

// inFlight reports whether a request file or one of its temp-write variants
// exists.
func inFlight(reqPath string) bool {
	if _, err := os.Stat(reqPath); err == nil {
		return true
	}
	matches, _ := filepath.Glob(reqPath + ".tmp-*")
	return len(matches) > 0
}
