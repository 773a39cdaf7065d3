package run

import (
	"context"
	"errors"
	"testing"

	"github.com/onnwee/chat-archiver/discordapi"
)

type fakeSource struct {
	messages   []discordapi.Message
	fetchErr   error
	channel    *discordapi.Channel
	channelErr error
	gotAfter   string
}

func (s *fakeSource) FetchAfter(ctx context.Context, channelID, after string, limit int) ([]discordapi.Message, error) {
	s.gotAfter = after
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.messages, nil
}

func (s *fakeSource) GetChannel(ctx context.Context, channelID string) (*discordapi.Channel, error) {
	if s.channelErr != nil {
		return nil, s.channelErr
	}
	return s.channel, nil
}

type fakeCursor struct {
	value  string
	ok     bool
	getErr error
	setErr error
	sets   []string
}

func (c *fakeCursor) Get(ctx context.Context) (string, bool, error) {
	if c.getErr != nil {
		return "", false, c.getErr
	}
	return c.value, c.ok, nil
}

func (c *fakeCursor) Set(ctx context.Context, messageID string) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.sets = append(c.sets, messageID)
	c.value, c.ok = messageID, true
	return nil
}

type fakeAssembler struct {
	location string
	err      error
	batches  [][]discordapi.Message
}

func (a *fakeAssembler) Persist(ctx context.Context, batch []discordapi.Message, channel *discordapi.Channel) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.batches = append(a.batches, batch)
	return a.location, nil
}

func msgs(ids ...string) []discordapi.Message {
	out := make([]discordapi.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, discordapi.Message{ID: id, Content: "m" + id})
	}
	return out
}

func hasState(trace []State, s State) bool {
	for _, t := range trace {
		if t == s {
			return true
		}
	}
	return false
}

func TestRunFreshChannel(t *testing.T) {
	src := &fakeSource{messages: msgs("101", "102", "103"), channel: &discordapi.Channel{ID: "chan-1", Name: "general"}}
	cur := &fakeCursor{}
	asm := &fakeAssembler{location: "data/archive.html"}

	res := Run(context.Background(), Deps{ChannelID: "chan-1", PageSize: 100, Source: src, Cursor: cur, Assembler: asm})

	if res.State != StateDone {
		t.Fatalf("State = %s, want DONE (err=%v)", res.State, res.Err)
	}
	if res.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d, want 0", res.ExitCode())
	}
	if src.gotAfter != "" {
		t.Errorf("fetched after %q, want empty cursor on fresh channel", src.gotAfter)
	}
	if res.Found != 3 {
		t.Errorf("Found = %d, want 3", res.Found)
	}
	if !res.ArtifactCreated || res.ArtifactPath != "data/archive.html" {
		t.Errorf("artifact = (%v, %q), want created at data/archive.html", res.ArtifactCreated, res.ArtifactPath)
	}
	if res.NewCursor != "103" {
		t.Errorf("NewCursor = %q, want 103 (max of batch)", res.NewCursor)
	}
	if len(cur.sets) != 1 || cur.sets[0] != "103" {
		t.Errorf("cursor sets = %v, want one write of 103", cur.sets)
	}
	for _, s := range []State{StateStart, StateCursorLoaded, StateMessagesFetched, StateArchived, StateCursorAdvanced, StateDone} {
		if !hasState(res.Trace, s) {
			t.Errorf("trace %v missing %s", res.Trace, s)
		}
	}
	if hasState(res.Trace, StateEmptyExit) {
		t.Errorf("trace %v contains EMPTY_EXIT for a non-empty batch", res.Trace)
	}
}

func TestRunNothingNew(t *testing.T) {
	src := &fakeSource{messages: nil}
	cur := &fakeCursor{value: "103", ok: true}
	asm := &fakeAssembler{location: "data/archive.html"}

	res := Run(context.Background(), Deps{ChannelID: "chan-1", Source: src, Cursor: cur, Assembler: asm})

	if res.State != StateDone {
		t.Fatalf("State = %s, want DONE", res.State)
	}
	if !hasState(res.Trace, StateEmptyExit) {
		t.Errorf("trace %v missing EMPTY_EXIT", res.Trace)
	}
	if src.gotAfter != "103" {
		t.Errorf("fetched after %q, want stored cursor 103", src.gotAfter)
	}
	if res.ArtifactCreated {
		t.Error("no artifact should be created for an empty batch")
	}
	if len(asm.batches) != 0 {
		t.Error("assembler must not run for an empty batch")
	}
	if len(cur.sets) != 0 {
		t.Errorf("cursor writes = %v, want none on empty batch", cur.sets)
	}
	if res.Cursor != "103" || res.NewCursor != "" {
		t.Errorf("cursor fields = (%q, %q), want (103, empty)", res.Cursor, res.NewCursor)
	}
}

func TestRunCursorReadFailureAborts(t *testing.T) {
	src := &fakeSource{messages: msgs("101")}
	cur := &fakeCursor{getErr: errors.New("connection refused")}

	res := Run(context.Background(), Deps{ChannelID: "chan-1", Source: src, Cursor: cur, Assembler: &fakeAssembler{}})

	if res.State != StateFailed {
		t.Fatalf("State = %s, want FAILED", res.State)
	}
	if res.ExitCode() == 0 {
		t.Error("ExitCode() = 0 for a failed run")
	}
	if src.gotAfter != "" && len(src.messages) > 0 && res.Found != 0 {
		t.Error("fetch must not proceed after a cursor read failure")
	}
	if res.Err == nil || !errors.Is(res.Err, cur.getErr) {
		t.Errorf("Err = %v, want wrapped cursor read failure", res.Err)
	}
}

func TestRunPersistFailureLeavesCursor(t *testing.T) {
	src := &fakeSource{messages: msgs("104", "105")}
	cur := &fakeCursor{value: "103", ok: true}
	asm := &fakeAssembler{err: errors.New("bucket unavailable")}

	res := Run(context.Background(), Deps{ChannelID: "chan-1", Source: src, Cursor: cur, Assembler: asm})

	if res.State != StateFailed {
		t.Fatalf("State = %s, want FAILED", res.State)
	}
	if len(cur.sets) != 0 {
		t.Errorf("cursor writes = %v, want none after persist failure (re-archive next run)", cur.sets)
	}
	if res.ArtifactCreated {
		t.Error("ArtifactCreated = true despite persist failure")
	}
	if res.Found != 2 {
		t.Errorf("Found = %d, want 2 (batch was fetched)", res.Found)
	}
}

func TestRunCursorWriteFailure(t *testing.T) {
	src := &fakeSource{messages: msgs("104")}
	cur := &fakeCursor{value: "103", ok: true, setErr: errors.New("write timeout")}
	asm := &fakeAssembler{location: "data/archive.html"}

	res := Run(context.Background(), Deps{ChannelID: "chan-1", Source: src, Cursor: cur, Assembler: asm})

	if res.State != StateFailed {
		t.Fatalf("State = %s, want FAILED", res.State)
	}
	// The artifact exists even though the run failed: duplicates are
	// acceptable, lost messages are not.
	if !res.ArtifactCreated || res.ArtifactPath == "" {
		t.Error("artifact should be persisted before the cursor write failed")
	}
	if !hasState(res.Trace, StateArchived) {
		t.Errorf("trace %v missing ARCHIVED", res.Trace)
	}
	if res.NewCursor != "" {
		t.Errorf("NewCursor = %q, want empty when the advance failed", res.NewCursor)
	}
}

func TestRunChannelMetadataFailureNotFatal(t *testing.T) {
	src := &fakeSource{messages: msgs("101"), channelErr: errors.New("403")}
	cur := &fakeCursor{}
	asm := &fakeAssembler{location: "data/archive.html"}

	res := Run(context.Background(), Deps{ChannelID: "chan-1", Source: src, Cursor: cur, Assembler: asm})

	if res.State != StateDone {
		t.Fatalf("State = %s, want DONE (metadata is cosmetic)", res.State)
	}
}

func TestRunFetchFailure(t *testing.T) {
	src := &fakeSource{fetchErr: errors.New("retries exhausted")}
	cur := &fakeCursor{value: "103", ok: true}

	res := Run(context.Background(), Deps{ChannelID: "chan-1", Source: src, Cursor: cur, Assembler: &fakeAssembler{}})

	if res.State != StateFailed {
		t.Fatalf("State = %s, want FAILED", res.State)
	}
	if len(cur.sets) != 0 {
		t.Error("cursor must not move on fetch failure")
	}
}

func TestMaxIDNotLast(t *testing.T) {
	// Cursor is max(batch) by snowflake, even if ordering were off.
	batch := msgs("102", "110", "103")
	if got := maxID(batch); got != "110" {
		t.Errorf("maxID = %q, want 110", got)
	}
}

func TestExitCode(t *testing.T) {
	if (Result{State: StateDone}).ExitCode() != 0 {
		t.Error("DONE should exit 0")
	}
	if (Result{State: StateFailed}).ExitCode() != 1 {
		t.Error("FAILED should exit 1")
	}
}
