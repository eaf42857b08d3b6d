package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/rapport/internal/catalog"
	"github.com/pavelanni/rapport/internal/model"
)

// FormatVersion is written in every snapshot. Documents without the
// {users, teacher_password, version} wrapper are the legacy format.
const FormatVersion = 2

// Format names the on-disk layout a snapshot was decoded from.
type Format string

const (
	FormatCurrent Format = "current"
	FormatLegacy  Format = "legacy"
)

var errNotObject = errors.New("expected a JSON object")

type messageDoc struct {
	User             string  `json:"user"`
	Content          string  `json:"content"`
	Timestamp        float64 `json:"timestamp"`
	SkippedByTeacher bool    `json:"skipped_by_teacher"`
}

type questionDoc struct {
	Exo       int          `json:"exo"`
	Variation int          `json:"variation"`
	Messages  []messageDoc `json:"messages"`
	UID       string       `json:"uid"`
}

type userDoc struct {
	Name     string          `json:"name"`
	Password string          `json:"password"`
	Exos     [][]questionDoc `json:"exos"`
}

type headerDoc struct {
	TeacherPassword *string `json:"teacher_password"`
	Version         int     `json:"version"`
}

// legacyQuestionDoc only reads what the flat format reliably carried. Its
// "exo" field held a whole exercise object, so positions are used instead.
type legacyQuestionDoc struct {
	Messages []messageDoc `json:"messages"`
	UID      string       `json:"uid"`
}

// Encode writes the whole database as an indented JSON document. Users keep
// their insertion order.
func (d *Database) Encode(w io.Writer) error {
	return encodeSnapshot(w, d.Snapshot())
}

func encodeSnapshot(w io.Writer, snap model.Snapshot) error {
	var buf bytes.Buffer
	buf.WriteString(`{"users":{`)
	for i, u := range snap.Users {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(u.Name)
		if err != nil {
			return err
		}
		val, err := json.Marshal(userToDoc(u))
		if err != nil {
			return fmt.Errorf("encode user %q: %w", u.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteString(`},"teacher_password":`)
	tp, err := json.Marshal(snap.TeacherPassword)
	if err != nil {
		return err
	}
	buf.Write(tp)
	fmt.Fprintf(&buf, `,"version":%d}`, FormatVersion)

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err = w.Write(out.Bytes())
	return err
}

// Decode reads a snapshot in either format. A legacy document is upgraded
// and the returned database is marked as changed so the next save rewrites
// it in the current format.
func Decode(r io.Reader, cat *catalog.Catalog, opts ...Option) (*Database, Format, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read snapshot: %w", err)
	}
	keys, top, err := orderedObject(data)
	if err != nil {
		return nil, "", fmt.Errorf("decode snapshot: %w", err)
	}

	d := New(cat, opts...)
	if isLegacy(top) {
		if err := d.migrateLegacy(keys, top); err != nil {
			return nil, "", fmt.Errorf("migrate legacy snapshot: %w", err)
		}
		d.version.Add(1)
		return d, FormatLegacy, nil
	}

	var head headerDoc
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, "", fmt.Errorf("decode snapshot header: %w", err)
	}
	if head.Version > FormatVersion {
		return nil, "", fmt.Errorf("snapshot version %d is newer than supported version %d", head.Version, FormatVersion)
	}
	d.teacherPassword = head.TeacherPassword

	if raw, ok := top["users"]; ok {
		names, users, err := orderedObject(raw)
		if err != nil {
			return nil, "", fmt.Errorf("decode users: %w", err)
		}
		for _, name := range names {
			var ud userDoc
			if err := json.Unmarshal(users[name], &ud); err != nil {
				return nil, "", fmt.Errorf("decode user %q: %w", name, err)
			}
			d.add(userFromDoc(name, ud))
		}
	}
	return d, FormatCurrent, nil
}

// isLegacy detects the flat {name: grid} layout structurally: the current
// format always has a "users" object.
func isLegacy(top map[string]json.RawMessage) bool {
	if len(top) == 0 {
		return false
	}
	raw, ok := top["users"]
	return !ok || firstByte(raw) != '{'
}

func (d *Database) migrateLegacy(names []string, top map[string]json.RawMessage) error {
	for _, name := range names {
		raw := top[name]
		if firstByte(raw) != '[' {
			return fmt.Errorf("user %q: expected a list of exercises", name)
		}
		var grid [][]legacyQuestionDoc
		if err := json.Unmarshal(raw, &grid); err != nil {
			return fmt.Errorf("user %q: %w", name, err)
		}
		u := model.User{Name: name, Exos: make([][]model.Question, len(grid))}
		for i, row := range grid {
			u.Exos[i] = make([]model.Question, len(row))
			for k, lq := range row {
				uid := lq.UID
				if uid == "" {
					uid = uuid.NewString()
				}
				u.Exos[i][k] = model.Question{
					Owner:     name,
					Exercise:  i,
					Variation: k,
					Messages:  messagesFromDoc(lq.Messages),
					UID:       uid,
				}
			}
		}
		d.add(u)
	}
	return nil
}

// add inserts a decoded user. Only used while the database is private to
// the decoder.
func (d *Database) add(u model.User) {
	if _, dup := d.users[u.Name]; !dup {
		d.order = append(d.order, u.Name)
	}
	d.users[u.Name] = &u
}

func userToDoc(u model.User) userDoc {
	ud := userDoc{Name: u.Name, Password: u.Password, Exos: make([][]questionDoc, len(u.Exos))}
	for i, row := range u.Exos {
		ud.Exos[i] = make([]questionDoc, len(row))
		for k, q := range row {
			qd := questionDoc{
				Exo:       q.Exercise,
				Variation: q.Variation,
				Messages:  make([]messageDoc, len(q.Messages)),
				UID:       q.UID,
			}
			for j, m := range q.Messages {
				qd.Messages[j] = messageDoc{
					User:             m.Author,
					Content:          m.Content,
					Timestamp:        toSeconds(m.Timestamp),
					SkippedByTeacher: m.SkippedByTeacher,
				}
			}
			ud.Exos[i][k] = qd
		}
	}
	return ud
}

// userFromDoc trusts grid positions over the stored exo/variation fields so
// that one cell can never describe two questions.
func userFromDoc(key string, ud userDoc) model.User {
	u := model.User{Name: key, Password: ud.Password, Exos: make([][]model.Question, len(ud.Exos))}
	for i, row := range ud.Exos {
		u.Exos[i] = make([]model.Question, len(row))
		for k, qd := range row {
			uid := qd.UID
			if uid == "" {
				uid = uuid.NewString()
			}
			u.Exos[i][k] = model.Question{
				Owner:     key,
				Exercise:  i,
				Variation: k,
				Messages:  messagesFromDoc(qd.Messages),
				UID:       uid,
			}
		}
	}
	return u
}

func messagesFromDoc(docs []messageDoc) []model.Message {
	if len(docs) == 0 {
		return nil
	}
	out := make([]model.Message, len(docs))
	for i, md := range docs {
		out[i] = model.Message{
			Author:           md.User,
			Content:          md.Content,
			Timestamp:        fromSeconds(md.Timestamp),
			SkippedByTeacher: md.SkippedByTeacher,
		}
	}
	return out
}

// Timestamps are float Unix seconds on disk. Microsecond resolution
// survives the float64 round trip exactly.
func toSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func fromSeconds(s float64) time.Time {
	return time.UnixMicro(int64(math.Round(s * 1e6))).UTC()
}

// orderedObject decodes a JSON object keeping the key order.
func orderedObject(data []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, errNotObject
	}
	var keys []string
	vals := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected token %v", tok)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("value of %q: %w", key, err)
		}
		if _, dup := vals[key]; !dup {
			keys = append(keys, key)
		}
		vals[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, vals, nil
}

func firstByte(raw json.RawMessage) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}
