package archive

import (
	"context"
	"time"

	"github.com/onnwee/chat-archiver/discordapi"
)

// Assembler couples the formatter with a store: render the whole batch,
// then persist it under a timestamped name. It satisfies the
// orchestrator's assembler contract.
type Assembler struct {
	Formatter *Formatter
	Store     Store
	ChannelID string
	Now       func() time.Time // time.Now when nil
}

func (a *Assembler) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Persist renders and durably stores one artifact for the batch,
// returning its location.
func (a *Assembler) Persist(ctx context.Context, batch []discordapi.Message, channel *discordapi.Channel) (string, error) {
	now := a.now()
	doc, err := a.Formatter.Format(batch, channel, now)
	if err != nil {
		return "", err
	}
	return a.Store.Persist(ctx, a.Formatter.ArtifactName(a.ChannelID, now), doc)
}
