package deduplication

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"liminal/internal/constants"
	"liminal/internal/message"
	"liminal/pkg/fieldpath"
)

// Hasher handles message hashing logic
type Hasher struct {
	algorithm string
	newHash   func() hash.Hash
}

func NewHasher(algorithm string) (*Hasher, error) {
	switch algorithm {
	case constants.HashSHA256, "":
		return &Hasher{algorithm: constants.HashSHA256, newHash: sha256.New}, nil
	case constants.HashMD5:
		return &Hasher{algorithm: constants.HashMD5, newHash: md5.New}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// ComputeHash hashes the listed fields of msg in order. "id", "source" and
// "topic" name the message attributes, every other field is a payload path.
// Missing fields hash as empty so that their absence is part of the key.
func (h *Hasher) ComputeHash(msg message.Message, fields []string) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("no fields specified for hashing")
	}

	doc, err := fieldpath.FromMap(msg.Payload)
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	for _, field := range fields {
		switch field {
		case "id":
			builder.WriteString(msg.ID)
		case "source":
			builder.WriteString(msg.Source)
		case "topic":
			builder.WriteString(msg.Topic)
		default:
			if res := doc.Result(field); res.Exists() {
				builder.WriteString(res.Raw)
			}
		}
		builder.WriteByte('|')
	}

	sum := h.newHash()
	sum.Write([]byte(builder.String()))
	return hex.EncodeToString(sum.Sum(nil)), nil
}
