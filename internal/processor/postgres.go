package processor

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"

	"liminal/internal/constants"
	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/jsoncodec"
	"liminal/pkg/migrations"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

const postgresColumns = 7

type postgresParams struct {
	Table         string        `mapstructure:"table"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// postgresSink buffers messages and inserts them in batches. Rows are keyed by
// message id so a replayed batch inserts nothing twice.
type postgresSink struct {
	params postgresParams
	deps   Deps
	db     *sql.DB
	buf    []message.Message
}

func newPostgres(spec Spec, deps Deps) (stage.Processor, error) {
	p := postgresParams{
		Table:         constants.DefaultPostgresTable,
		BatchSize:     100,
		FlushInterval: time.Second,
	}
	if err := decodeParams(spec.Config.Parameters, &p); err != nil {
		return nil, err
	}
	if !identifierPattern.MatchString(p.Table) {
		return nil, fmt.Errorf("table %q is not a valid identifier", p.Table)
	}
	if p.BatchSize < 1 {
		return nil, fmt.Errorf("batch_size must be at least 1, got %d", p.BatchSize)
	}
	if p.FlushInterval <= 0 {
		return nil, fmt.Errorf("flush_interval must be positive, got %s", p.FlushInterval)
	}
	if deps.Datastores == nil {
		return nil, fmt.Errorf("postgres output needs a configured postgres database")
	}
	w := &postgresSink{params: p, deps: deps}
	return newSink(string(KindPostgres), w, newGuard(spec, deps, "postgres.insert")), nil
}

func (s *postgresSink) init(ctx context.Context, pctx *stage.Context) error {
	db, err := s.deps.Datastores.Postgres(ctx)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	if s.params.Table == constants.DefaultPostgresTable {
		if err := migrations.MigratePostgres(db); err != nil {
			return err
		}
	} else if _, err := db.ExecContext(ctx, createTableSQL(s.params.Table)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.params.Table, err)
	}
	s.db = db
	pctx.Logger().InfowCtx(ctx, "Postgres output ready",
		"table", s.params.Table,
		"batch_size", s.params.BatchSize,
	)
	return nil
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id             TEXT PRIMARY KEY,
    source         TEXT        NOT NULL,
    topic          TEXT        NOT NULL,
    payload        JSONB       NOT NULL,
    ingestion_time TIMESTAMPTZ NOT NULL,
    event_time     TIMESTAMPTZ,
    sequence_id    BIGINT,
    stored_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, pq.QuoteIdentifier(table))
}

// write buffers msg and flushes once the batch is full. A retried call for
// the same message does not buffer it again.
func (s *postgresSink) write(ctx context.Context, msg message.Message) error {
	if n := len(s.buf); n == 0 || s.buf[n-1].ID != msg.ID {
		s.buf = append(s.buf, msg)
	}
	if len(s.buf) < s.params.BatchSize {
		return nil
	}
	return s.flush(ctx)
}

func (s *postgresSink) pending() int                 { return len(s.buf) }
func (s *postgresSink) flushInterval() time.Duration { return s.params.FlushInterval }

func (s *postgresSink) discard() int {
	n := len(s.buf)
	s.buf = s.buf[:0]
	return n
}

func (s *postgresSink) flush(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	query, args, err := insertBatch(s.params.Table, s.buf)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert %d messages: %w", len(s.buf), err)
	}
	s.buf = s.buf[:0]
	return nil
}

func insertBatch(table string, batch []message.Message) (string, []interface{}, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (id, source, topic, payload, ingestion_time, event_time, sequence_id) VALUES ",
		pq.QuoteIdentifier(table))

	args := make([]interface{}, 0, len(batch)*postgresColumns)
	for i, msg := range batch {
		payload, err := jsoncodec.Marshal(msg.Payload)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode payload of %s: %w", msg.ID, err)
		}
		var eventTime interface{}
		if msg.EventTime != nil {
			eventTime = *msg.EventTime
		}
		var sequence interface{}
		if msg.SequenceID != nil {
			sequence = int64(*msg.SequenceID)
		}

		if i > 0 {
			b.WriteString(", ")
		}
		base := i * postgresColumns
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, msg.ID, msg.Source, msg.Topic, string(payload), msg.IngestionTime, eventTime, sequence)
	}
	b.WriteString(" ON CONFLICT (id) DO NOTHING")
	return b.String(), args, nil
}
