package idcodec

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/shardfed/internal/cache"
	"github.com/roach88/shardfed/internal/clock"
	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/metrics"
)

// Alphabet is the base-28 digit set: digits without 0/1 and lowercase
// letters without i, l, o, u, v, z.
const Alphabet = "23456789abcdefghjkmnpqrstwxy"

const base = uint64(len(Alphabet))

// Field widths. They sum to Length.
const (
	TimestampWidth = 10
	ShardWidth     = 10
	TypeWidth      = 4
	RandomWidth    = 8
	Length         = TimestampWidth + ShardWidth + TypeWidth + RandomWidth
)

// DefaultCacheSize bounds each forward and reverse cache.
const DefaultCacheSize = 10000

// Kind names the two hashed fields.
type Kind string

const (
	KindShard Kind = "shard"
	KindType  Kind = "type"
)

// MappingStore durably records hash→plaintext mappings so ids minted by one
// process can be decoded by another.
type MappingStore interface {
	SaveMapping(ctx context.Context, kind, hash, plaintext string) error
	LookupMapping(ctx context.Context, kind, hash string) (string, bool, error)
}

// Decoded is the plaintext content of a universal id.
type Decoded struct {
	Timestamp  time.Time
	ShardID    string
	RecordType string
	Random     string
}

// Codec generates and decodes universal ids.
//
// The hash caches are process-local: decoding succeeds only for shard and
// type hashes this Codec has generated, learned, or can find in its
// MappingStore.
//
// Thread-safety: all methods are safe for concurrent use.
type Codec struct {
	forward map[Kind]*cache.FIFO[string, string] // plaintext → code
	reverse map[Kind]*cache.FIFO[string, string] // code → plaintext
	store   MappingStore
	clock   clock.Clock
	random  io.Reader
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Codec.
type Option func(*Codec)

// WithCacheSize bounds each cache to n entries.
func WithCacheSize(n int) Option {
	return func(c *Codec) {
		for _, k := range []Kind{KindShard, KindType} {
			c.forward[k] = cache.NewFIFO[string, string](n)
			c.reverse[k] = cache.NewFIFO[string, string](n)
		}
	}
}

// WithMappingStore enables durable mappings.
func WithMappingStore(s MappingStore) Option {
	return func(c *Codec) { c.store = s }
}

// WithClock sets the clock used when Generate is given a zero time.
func WithClock(clk clock.Clock) Option {
	return func(c *Codec) { c.clock = clock.OrReal(clk) }
}

// WithRandom replaces crypto/rand as the suffix source.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) { c.random = r }
}

// WithMetrics records minted ids.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Codec) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Codec) { c.logger = l }
}

// New creates a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{
		forward: make(map[Kind]*cache.FIFO[string, string], 2),
		reverse: make(map[Kind]*cache.FIFO[string, string], 2),
		clock:   clock.Real{},
		random:  rand.Reader,
		logger:  slog.Default(),
	}
	WithCacheSize(DefaultCacheSize)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate mints an id bound to shardID and recordType. A zero at means now.
func (c *Codec) Generate(ctx context.Context, shardID, recordType string, at time.Time) (string, error) {
	if shardID == "" || recordType == "" {
		return "", fault.InvalidArgument("generate: shard id and record type are required")
	}
	if at.IsZero() {
		at = c.clock.Now()
	}
	ms := at.UnixMilli()
	if ms < 0 {
		return "", fault.InvalidArgument("generate: timestamp %s precedes the epoch", at)
	}

	shardCode, err := c.code(ctx, KindShard, shardID)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	typeCode, err := c.code(ctx, KindType, recordType)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	suffix, err := c.randomSuffix()
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}

	var b strings.Builder
	b.Grow(Length)
	b.WriteString(encode(uint64(ms), TimestampWidth))
	b.WriteString(shardCode)
	b.WriteString(typeCode)
	b.WriteString(suffix)

	c.metrics.IDGenerated()
	return b.String(), nil
}

// Learn registers plaintext so ids carrying its hash can be decoded.
func (c *Codec) Learn(ctx context.Context, kind Kind, plaintext string) error {
	if _, err := c.code(ctx, kind, plaintext); err != nil {
		return fmt.Errorf("learn %s %q: %w", kind, plaintext, err)
	}
	return nil
}

// Decode splits id into its fields and resolves the hashed ones.
func (c *Codec) Decode(ctx context.Context, id string) (Decoded, error) {
	if len(id) != Length {
		return Decoded{}, fault.InvalidID(id, fmt.Sprintf("length %d, want %d", len(id), Length))
	}
	if i := strings.IndexFunc(id, func(r rune) bool { return !strings.ContainsRune(Alphabet, r) }); i >= 0 {
		return Decoded{}, fault.InvalidID(id, fmt.Sprintf("character %q at %d is outside the alphabet", id[i], i))
	}

	tsPart := id[:TimestampWidth]
	shardPart := id[TimestampWidth : TimestampWidth+ShardWidth]
	typePart := id[TimestampWidth+ShardWidth : TimestampWidth+ShardWidth+TypeWidth]
	randPart := id[TimestampWidth+ShardWidth+TypeWidth:]

	ms, err := decodeNumber(tsPart)
	if err != nil {
		return Decoded{}, fault.InvalidID(id, err.Error())
	}

	shardID, err := c.resolve(ctx, KindShard, shardPart)
	if err != nil {
		return Decoded{}, err
	}
	recordType, err := c.resolve(ctx, KindType, typePart)
	if err != nil {
		return Decoded{}, err
	}

	return Decoded{
		Timestamp:  time.UnixMilli(int64(ms)).UTC(),
		ShardID:    shardID,
		RecordType: recordType,
		Random:     randPart,
	}, nil
}

// ShardHash returns the shard field an id minted for shardID would carry.
func ShardHash(shardID string) string {
	return hashCode(shardID, ShardWidth)
}

// TypeHash returns the type field an id minted for recordType would carry.
func TypeHash(recordType string) string {
	return hashCode(recordType, TypeWidth)
}

// Valid reports whether id has the universal id shape. It does not check
// that the hashed fields resolve.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	for _, r := range id {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}

// code returns the hashed field for plaintext, caching both directions.
func (c *Codec) code(ctx context.Context, kind Kind, plaintext string) (string, error) {
	if code, ok := c.forward[kind].Get(plaintext); ok {
		// The reverse entry may have been evicted independently.
		if _, ok := c.reverse[kind].Get(code); !ok {
			c.reverse[kind].Put(code, plaintext)
		}
		return code, nil
	}

	width := ShardWidth
	if kind == KindType {
		width = TypeWidth
	}
	code := hashCode(plaintext, width)

	if prev, ok := c.reverse[kind].Get(code); ok && prev != plaintext {
		return "", fault.InvalidArgument("%s hash %q collides: %q and %q", kind, code, prev, plaintext)
	}

	if c.store != nil {
		if err := c.store.SaveMapping(ctx, string(kind), code, plaintext); err != nil {
			return "", err
		}
	}

	c.forward[kind].Put(plaintext, code)
	c.reverse[kind].Put(code, plaintext)
	return code, nil
}

// resolve maps a hashed field back to plaintext via cache, then store.
func (c *Codec) resolve(ctx context.Context, kind Kind, code string) (string, error) {
	if plain, ok := c.reverse[kind].Get(code); ok {
		return plain, nil
	}
	if c.store == nil {
		return "", fault.UnresolvedMapping(string(kind), code)
	}

	plain, found, err := c.store.LookupMapping(ctx, string(kind), code)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if !found {
		return "", fault.UnresolvedMapping(string(kind), code)
	}
	c.logger.Debug("id mapping loaded from store", "kind", kind, "hash", code)
	c.forward[kind].Put(plain, code)
	c.reverse[kind].Put(code, plain)
	return plain, nil
}

// randomSuffix draws RandomWidth alphabet characters without modulo bias.
func (c *Codec) randomSuffix() (string, error) {
	const limit = 256 - 256%int(base) // largest multiple of base that fits in a byte
	out := make([]byte, 0, RandomWidth)
	buf := make([]byte, RandomWidth*2)
	for len(out) < RandomWidth {
		if _, err := io.ReadFull(c.random, buf); err != nil {
			return "", fmt.Errorf("random suffix: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, Alphabet[int(b)%int(base)])
			if len(out) == RandomWidth {
				break
			}
		}
	}
	return string(out), nil
}

// hashCode hashes plaintext with SHA-256, interprets the first 12 hex digits
// as an integer, encodes it in base 28 padded to ShardWidth, and keeps the
// rightmost width characters.
func hashCode(plaintext string, width int) string {
	sum := sha256.Sum256([]byte(plaintext))
	n, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:12], 16, 64)
	full := encode(n, ShardWidth)
	return full[len(full)-width:]
}

// encode writes n in base 28, left padded with the zero digit to width.
// Values wider than width keep their low-order digits.
func encode(n uint64, width int) string {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = Alphabet[n%base]
		n /= base
	}
	return string(buf)
}

func decodeNumber(s string) (uint64, error) {
	var n uint64
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(Alphabet, s[i])
		if d < 0 {
			return 0, fmt.Errorf("character %q is outside the alphabet", s[i])
		}
		n = n*base + uint64(d)
	}
	return n, nil
}
