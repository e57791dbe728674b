package processor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/jsoncodec"
)

const (
	formatJSON   = "json"
	formatPretty = "pretty"
	formatCSV    = "csv"
	formatText   = "text"
)

type fileParams struct {
	FilePath   string `mapstructure:"file_path"`
	Format     string `mapstructure:"format"`
	Append     bool   `mapstructure:"append"`
	CreateDirs bool   `mapstructure:"create_dirs"`
	BufferSize int    `mapstructure:"buffer_size"`
	AutoFlush  bool   `mapstructure:"auto_flush"`
}

// fileSink appends one record per message to a local file.
type fileSink struct {
	params fileParams
	f      *os.File
	w      *bufio.Writer
}

func newFile(spec Spec, _ Deps) (stage.Processor, error) {
	p := fileParams{
		Format:     formatJSON,
		Append:     true,
		CreateDirs: true,
		BufferSize: 8192,
	}
	if err := decodeParams(spec.Config.Parameters, &p); err != nil {
		return nil, err
	}
	if err := required("file_path", p.FilePath); err != nil {
		return nil, err
	}
	if err := oneOf("format", p.Format, formatJSON, formatPretty, formatCSV, formatText); err != nil {
		return nil, err
	}
	if p.BufferSize < 0 {
		return nil, fmt.Errorf("buffer_size cannot be negative, got %d", p.BufferSize)
	}
	return newSink(string(KindFile), &fileSink{params: p}, nil), nil
}

func (s *fileSink) init(ctx context.Context, pctx *stage.Context) error {
	if s.params.CreateDirs {
		if dir := filepath.Dir(s.params.FilePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if s.params.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(s.params.FilePath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.params.FilePath, err)
	}
	s.f = f

	size := s.params.BufferSize
	if size == 0 {
		size = 1
		s.params.AutoFlush = true
	}
	s.w = bufio.NewWriterSize(f, size)

	pctx.Logger().InfowCtx(ctx, "File output opened",
		"path", s.params.FilePath,
		"format", s.params.Format,
		"append", s.params.Append,
	)
	return nil
}

func (s *fileSink) write(_ context.Context, msg message.Message) error {
	line, err := s.render(msg)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	if s.params.AutoFlush {
		return s.w.Flush()
	}
	return nil
}

func (s *fileSink) render(msg message.Message) ([]byte, error) {
	switch s.params.Format {
	case formatPretty:
		return jsoncodec.MarshalIndent(msg.Payload, "", "  ")
	case formatCSV:
		return csvRecord(msg.Payload)
	case formatText:
		payload, err := jsoncodec.Marshal(msg.Payload)
		if err != nil {
			return nil, err
		}
		return []byte("[" + msg.Topic + "] " + string(payload)), nil
	default:
		return jsoncodec.Marshal(msg.Payload)
	}
}

// csvRecord writes the payload values in key order without a header.
// Strings are quoted with embedded quotes doubled; everything else is
// written as JSON.
func csvRecord(payload map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]string, 0, len(keys))
	for _, k := range keys {
		if s, ok := payload[k].(string); ok {
			values = append(values, `"`+strings.ReplaceAll(s, `"`, `""`)+`"`)
			continue
		}
		raw, err := jsoncodec.Marshal(payload[k])
		if err != nil {
			return nil, err
		}
		values = append(values, string(raw))
	}
	return []byte(strings.Join(values, ",")), nil
}

func (s *fileSink) Close(context.Context) error {
	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
