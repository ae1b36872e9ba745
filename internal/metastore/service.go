package metastore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"quartzdb/internal/command"
	"quartzdb/internal/hlc"
)

// Service exposes replicated metadata operations against one group.
type Service struct {
	runner CommandRunner
	group  string
	clock  *hlc.Clock
}

func NewService(runner CommandRunner, group string, clock *hlc.Clock) *Service {
	return &Service{runner: runner, group: group, clock: clock}
}

func (s *Service) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.run(ctx, command.Put(key, value))
	return err
}

func (s *Service) Remove(ctx context.Context, key string) error {
	_, err := s.run(ctx, command.Remove(key))
	return err
}

// PutIntent writes a transactional intent owned by txID.
func (s *Service) PutIntent(ctx context.Context, txID uuid.UUID, key string, value []byte) error {
	cmd := command.Put(key, value)
	cmd.TxID = txID
	_, err := s.run(ctx, cmd)
	return err
}

// FinishTx commits or aborts txID's intents at the clock's current time.
func (s *Service) FinishTx(ctx context.Context, txID uuid.UUID, commit bool) error {
	_, err := s.run(ctx, command.TxCleanup(txID, commit, s.clock.Now()))
	return err
}

// Range opens a cursor over keys with the given prefix.
func (s *Service) Range(prefix string, batchSize int) *Cursor {
	return NewCursor(s.runner, s.group, prefix, batchSize)
}

func (s *Service) run(ctx context.Context, cmd command.Command) ([]byte, error) {
	data, err := command.Encode(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return s.runner.Run(ctx, s.group, data)
}
