package cookie

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	maxCookieSize       = 4096
	estimatedEmptyBytes = 160
	// ChunkSize is the largest value stored in a single session cookie.
	ChunkSize = maxCookieSize - estimatedEmptyBytes
)

// SessionStore reads and writes a session value that may be split across
// several cookies named name, name.0, name.1, ...
type SessionStore struct {
	spec   Spec
	logger *slog.Logger
	// existing maps present cookie names to values.
	existing map[string]string
}

// NewSessionStore collects every chunk of spec present in the request cookies.
func NewSessionStore(spec Spec, in map[string]string, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SessionStore{spec: spec, logger: logger, existing: map[string]string{}}
	for name, value := range in {
		if _, ok := s.chunkIndex(name); ok {
			s.existing[name] = value
		}
	}
	return s
}

// chunkIndex returns the ordering index of a cookie belonging to the store.
// The unsuffixed name sorts as -1.
func (s *SessionStore) chunkIndex(name string) (int, bool) {
	if name == s.spec.Name {
		return -1, true
	}
	rest, ok := strings.CutPrefix(name, s.spec.Name+".")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Value joins the numbered chunks in suffix order. The unsuffixed cookie is
// only read when no numbered chunk is present; next to chunks it is a
// leftover of an earlier unchunked write.
func (s *SessionStore) Value() string {
	names := make([]string, 0, len(s.existing))
	for name := range s.existing {
		if name != s.spec.Name {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return s.existing[s.spec.Name]
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := s.chunkIndex(names[i])
		b, _ := s.chunkIndex(names[j])
		return a < b
	})
	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(s.existing[name])
	}
	return sb.String()
}

// Chunk splits value into cookies and clears any chunk from a previous,
// differently sized write.
func (s *SessionStore) Chunk(value string, expires time.Time) []*http.Cookie {
	var out []*http.Cookie
	written := map[string]bool{}

	if len(value) <= ChunkSize {
		out = append(out, Build(s.spec, s.spec.Name, value, expires))
		written[s.spec.Name] = true
	} else {
		for i := 0; i*ChunkSize < len(value); i++ {
			end := min((i+1)*ChunkSize, len(value))
			name := s.spec.Name + "." + strconv.Itoa(i)
			out = append(out, Build(s.spec, name, value[i*ChunkSize:end], expires))
			written[name] = true
		}
		s.logger.Debug("session cookie chunked",
			"chunks", len(out),
			"value_size", len(value),
			"chunk_size", ChunkSize,
		)
	}

	for name := range s.existing {
		if !written[name] {
			out = append(out, Clear(s.spec, name))
		}
	}
	s.existing = map[string]string{}
	for _, c := range out {
		if !IsClear(c) {
			s.existing[c.Name] = c.Value
		}
	}
	return out
}

// Clean returns cookies deleting every chunk currently present.
func (s *SessionStore) Clean() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s.existing))
	for name := range s.existing {
		out = append(out, Clear(s.spec, name))
	}
	s.existing = map[string]string{}
	return out
}
