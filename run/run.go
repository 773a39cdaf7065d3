// Package run drives exactly one check-and-archive cycle: load cursor,
// fetch new messages, persist one artifact, advance the cursor, report.
// All I/O is injected as capabilities so the cycle is a pure function of
// its dependencies.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/chat-archiver/discordapi"
	"github.com/onnwee/chat-archiver/ratelimit"
	"github.com/onnwee/chat-archiver/telemetry"
)

// State is one step of the cycle state machine.
type State string

const (
	StateStart           State = "START"
	StateCursorLoaded    State = "CURSOR_LOADED"
	StateMessagesFetched State = "MESSAGES_FETCHED"
	StateEmptyExit       State = "EMPTY_EXIT"
	StateArchived        State = "ARCHIVED"
	StateCursorAdvanced  State = "CURSOR_ADVANCED"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

// Source fetches messages newer than a cursor, ascending, all pages.
type Source interface {
	FetchAfter(ctx context.Context, channelID, after string, limit int) ([]discordapi.Message, error)
	GetChannel(ctx context.Context, channelID string) (*discordapi.Channel, error)
}

// CursorStore is the durable resume point. Get must distinguish "never
// read before" from a read failure; a read failure aborts the run.
type CursorStore interface {
	Get(ctx context.Context) (cursor string, ok bool, err error)
	Set(ctx context.Context, messageID string) error
}

// Assembler renders and durably persists the full batch as one artifact.
type Assembler interface {
	Persist(ctx context.Context, batch []discordapi.Message, channel *discordapi.Channel) (location string, err error)
}

// Deps carries everything one cycle needs.
type Deps struct {
	ChannelID  string
	PageSize   int
	Source     Source
	Cursor     CursorStore
	Assembler  Assembler
	Accountant *ratelimit.Accountant
	Now        func() time.Time // time.Now when nil
}

// Result is the structured outcome of one cycle.
type Result struct {
	State           State              `json:"state"`
	Trace           []State            `json:"trace"`
	ChannelID       string             `json:"channel_id"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at"`
	Found           int                `json:"unread_count"`
	ArtifactCreated bool               `json:"file_created"`
	ArtifactPath    string             `json:"artifact_path,omitempty"`
	Cursor          string             `json:"last_read_id,omitempty"`
	NewCursor       string             `json:"new_last_read_id,omitempty"`
	Rate            ratelimit.Snapshot `json:"rate"`
	Err             error              `json:"-"`
}

// ExitCode maps the final state to the process exit status.
func (r Result) ExitCode() int {
	if r.State == StateDone {
		return 0
	}
	return 1
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Run executes one cycle. Any error routes to the FAILED absorbing state;
// the cursor is only ever advanced after the artifact is durably
// persisted, so a crash or failure between those steps re-archives the
// same batch next run (at-least-once, never at-most-once).
func Run(ctx context.Context, d Deps) Result {
	logger := telemetry.LoggerWithRun(ctx).With(slog.String("channel_id", d.ChannelID))
	res := Result{State: StateStart, ChannelID: d.ChannelID, StartedAt: d.now()}
	res.Trace = append(res.Trace, StateStart)
	telemetry.IncRuns()

	advance := func(s State) {
		res.State = s
		res.Trace = append(res.Trace, s)
	}
	fail := func(err error) Result {
		advance(StateFailed)
		res.Err = err
		res.FinishedAt = d.now()
		res.Rate = d.snapshot()
		telemetry.IncRunsFailed()
		logger.Error("run failed", slog.Any("err", err), slog.String("state", string(res.State)))
		return res
	}

	ctx, span := telemetry.StartSpan(ctx, "archiver", "run")
	defer span.End()

	cursor, ok, err := d.Cursor.Get(ctx)
	if err != nil {
		// A missing cursor row is fine; a failed read is not. Treating a
		// read failure as "never read before" would re-archive the full
		// channel history.
		telemetry.RecordError(span, err)
		return fail(fmt.Errorf("load cursor: %w", err))
	}
	res.Cursor = cursor
	advance(StateCursorLoaded)
	if ok {
		logger.Info("checking for messages", slog.String("after_id", cursor))
	} else {
		logger.Info("checking for messages (no prior cursor)")
	}

	// Channel metadata is cosmetic (archive header); failure is logged,
	// not fatal.
	channel, err := d.Source.GetChannel(ctx, d.ChannelID)
	if err != nil {
		logger.Warn("failed to get channel info", slog.Any("err", err))
		channel = nil
	} else if channel != nil {
		logger.Info("connected to channel", slog.String("name", channel.Name))
	}

	fetchStart := d.now()
	batch, err := d.Source.FetchAfter(ctx, d.ChannelID, cursor, d.PageSize)
	if err != nil {
		telemetry.RecordError(span, err)
		return fail(fmt.Errorf("fetch messages: %w", err))
	}
	if telemetry.FetchDuration != nil {
		telemetry.FetchDuration.Observe(d.now().Sub(fetchStart).Seconds())
	}
	advance(StateMessagesFetched)
	res.Found = len(batch)

	if len(batch) == 0 {
		advance(StateEmptyExit)
		advance(StateDone)
		res.FinishedAt = d.now()
		res.Rate = d.snapshot()
		telemetry.SetSpanSuccess(span)
		logger.Info("no unread messages found")
		return res
	}
	logger.Info("found unread messages", slog.Int("count", len(batch)))

	persistStart := d.now()
	location, err := d.Assembler.Persist(ctx, batch, channel)
	if err != nil {
		// Cursor untouched: the same batch is re-fetched next run.
		telemetry.RecordError(span, err)
		return fail(fmt.Errorf("persist archive: %w", err))
	}
	if telemetry.PersistDuration != nil {
		telemetry.PersistDuration.Observe(d.now().Sub(persistStart).Seconds())
	}
	advance(StateArchived)
	res.ArtifactCreated = true
	res.ArtifactPath = location
	telemetry.AddMessagesArchived(len(batch))
	logger.Info("archive persisted", slog.String("location", location), slog.Int("count", len(batch)))

	newCursor := maxID(batch)
	if err := d.Cursor.Set(ctx, newCursor); err != nil {
		// The artifact is already durable; the next run will produce a
		// duplicate rather than lose messages.
		telemetry.RecordError(span, err)
		return fail(fmt.Errorf("advance cursor: %w", err))
	}
	advance(StateCursorAdvanced)
	res.NewCursor = newCursor
	logger.Info("cursor advanced", slog.String("last_read_id", newCursor))

	advance(StateDone)
	res.FinishedAt = d.now()
	res.Rate = d.snapshot()
	telemetry.SetSpanSuccess(span)
	return res
}

func (d Deps) snapshot() ratelimit.Snapshot {
	if d.Accountant == nil {
		return ratelimit.Snapshot{}
	}
	snap := d.Accountant.Snapshot()
	telemetry.SetRateRemaining(snap.Remaining)
	return snap
}

// maxID returns the largest snowflake in the batch. The batch is already
// ascending, but the cursor invariant is max(batch), not last(batch), so
// compare explicitly.
func maxID(batch []discordapi.Message) string {
	best := batch[0]
	for _, m := range batch[1:] {
		if m.Snowflake() > best.Snowflake() {
			best = m
		}
	}
	return best.ID
}
