// Package fits reads and rewrites FITS primary headers at card level. Data
// units are never decoded; they are carried through byte-for-byte.
package fits

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	CardSize  = 80
	BlockSize = 2880
)

// ErrNoEnd is returned when a blocked header is missing its END card.
var ErrNoEnd = errors.New("fits: header has no END card")

// Card is one 80-character header record.
type Card struct {
	Key     string
	Value   string // unquoted for strings, literal otherwise
	Comment string
	Quoted  bool
	// raw keeps the original record so untouched cards encode unchanged.
	raw string
}

// Header is an ordered list of cards, END excluded.
type Header struct {
	cards []Card
}

// NewHeader returns an empty header.
func NewHeader() *Header {
	return &Header{}
}

// Cards returns a copy of the header records.
func (h *Header) Cards() []Card {
	return append([]Card(nil), h.cards...)
}

// Len is the number of cards.
func (h *Header) Len() int { return len(h.cards) }

func (h *Header) index(key string) int {
	key = normalizeKey(key)
	for i, c := range h.cards {
		if c.Key == key {
			return i
		}
	}
	return -1
}

// Has reports whether key is present.
func (h *Header) Has(key string) bool {
	return h.index(key) >= 0
}

// Get returns the raw value for key.
func (h *Header) Get(key string) (string, bool) {
	i := h.index(key)
	if i < 0 {
		return "", false
	}
	return h.cards[i].Value, true
}

// String returns a trimmed value for key.
func (h *Header) String(key string) (string, bool) {
	v, ok := h.Get(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// Float parses the value for key as a real number. Fortran D exponents are
// accepted.
func (h *Header) Float(key string) (float64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	v = strings.TrimSpace(strings.NewReplacer("D", "E", "d", "e").Replace(v))
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Int parses the value for key as an integer.
func (h *Header) Int(key string) (int, bool) {
	f, ok := h.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Bool parses a logical value (T or F).
func (h *Header) Bool(key string) (bool, bool) {
	v, ok := h.Get(key)
	if !ok {
		return false, false
	}
	switch strings.TrimSpace(v) {
	case "T":
		return true, true
	case "F":
		return false, true
	}
	return false, false
}

// Set replaces the value of key in place or appends a new card. Supported
// value types are string, bool, int, int64 and float64.
func (h *Header) Set(key string, value any, comment string) {
	c := Card{Key: normalizeKey(key), Comment: comment}
	switch v := value.(type) {
	case string:
		c.Value, c.Quoted = v, true
	case bool:
		c.Value = "F"
		if v {
			c.Value = "T"
		}
	case int:
		c.Value = strconv.Itoa(v)
	case int64:
		c.Value = strconv.FormatInt(v, 10)
	case float64:
		c.Value = formatFloat(v)
	default:
		c.Value, c.Quoted = fmt.Sprint(v), true
	}

	if i := h.index(c.Key); i >= 0 {
		h.cards[i] = c
		return
	}
	h.cards = append(h.cards, c)
}

// Delete removes every card named key.
func (h *Header) Delete(key string) {
	key = normalizeKey(key)
	out := h.cards[:0]
	for _, c := range h.cards {
		if c.Key != key {
			out = append(out, c)
		}
	}
	h.cards = out
}

// Encode renders the header as 80-character cards terminated by END and
// padded with blanks to a whole number of 2880-byte blocks.
func (h *Header) Encode() []byte {
	var buf bytes.Buffer
	for _, c := range h.cards {
		buf.WriteString(c.encode())
	}
	buf.WriteString(fit("END", CardSize))
	if rem := buf.Len() % BlockSize; rem != 0 {
		buf.Write(bytes.Repeat([]byte{' '}, BlockSize-rem))
	}
	return buf.Bytes()
}

func (c Card) encode() string {
	if c.raw != "" {
		return c.raw
	}
	if c.Key == "COMMENT" || c.Key == "HISTORY" || c.Key == "" {
		return fit(pad(c.Key, 8)+c.Comment, CardSize)
	}

	var value string
	if c.Quoted {
		s := "'" + pad(strings.ReplaceAll(c.Value, "'", "''"), 8) + "'"
		value = pad(s, 20)
	} else {
		value = fmt.Sprintf("%20s", c.Value)
	}
	card := pad(c.Key, 8) + "= " + value
	if c.Comment != "" {
		card += " / " + c.Comment
	}
	return fit(card, CardSize)
}

// Parse decodes a header from either 2880-byte blocked FITS data or
// newline-separated card text. It returns the header and the offset of the
// first byte after the header (zero for card text).
func Parse(data []byte) (*Header, int, error) {
	if isBlocked(data) {
		return parseBlocked(data)
	}
	h, err := parseLines(data)
	return h, 0, err
}

func isBlocked(data []byte) bool {
	if len(data) < CardSize {
		return false
	}
	return !bytes.ContainsAny(data[:CardSize], "\r\n")
}

func parseBlocked(data []byte) (*Header, int, error) {
	h := NewHeader()
	for off := 0; off+CardSize <= len(data); off += CardSize {
		raw := string(data[off : off+CardSize])
		if strings.TrimSpace(raw[:8]) == "END" {
			end := off + CardSize
			if rem := end % BlockSize; rem != 0 {
				end += BlockSize - rem
			}
			if end > len(data) {
				end = len(data)
			}
			return h, end, nil
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}
		h.cards = append(h.cards, parseCard(raw))
	}
	return nil, 0, ErrNoEnd
}

func parseLines(data []byte) (*Header, error) {
	h := NewHeader()
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		line = fit(line, CardSize)
		if strings.TrimSpace(line[:8]) == "END" {
			break
		}
		h.cards = append(h.cards, parseCard(line))
	}
	return h, nil
}

func parseCard(raw string) Card {
	c := Card{Key: strings.TrimSpace(raw[:8]), raw: raw}
	if raw[8:10] != "= " {
		c.Comment = strings.TrimRight(raw[8:], " ")
		return c
	}

	rest := strings.TrimLeft(raw[10:], " ")
	if strings.HasPrefix(rest, "'") {
		c.Quoted = true
		var sb strings.Builder
		i := 1
		for i < len(rest) {
			if rest[i] == '\'' {
				if i+1 < len(rest) && rest[i+1] == '\'' {
					sb.WriteByte('\'')
					i += 2
					continue
				}
				i++
				break
			}
			sb.WriteByte(rest[i])
			i++
		}
		c.Value = strings.TrimRight(sb.String(), " ")
		rest = rest[i:]
		if j := strings.Index(rest, "/"); j >= 0 {
			c.Comment = strings.TrimSpace(rest[j+1:])
		}
		return c
	}

	if j := strings.Index(rest, "/"); j >= 0 {
		c.Comment = strings.TrimSpace(rest[j+1:])
		rest = rest[:j]
	}
	c.Value = strings.TrimSpace(rest)
	return c
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0.0"
	}
	s := strings.ToUpper(strconv.FormatFloat(v, 'g', -1, 64))
	if !strings.ContainsAny(s, ".E") {
		s += ".0"
	}
	return s
}

func normalizeKey(key string) string {
	key = strings.ToUpper(strings.TrimSpace(key))
	if len(key) > 8 {
		key = key[:8]
	}
	return key
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

// fit truncates or blank-pads s to exactly n bytes.
func fit(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return pad(s, n)
}
