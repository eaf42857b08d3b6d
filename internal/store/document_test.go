package store

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/rapport/internal/model"
)

func decodeString(t *testing.T, doc string) (*Database, Format) {
	t.Helper()
	d, format, err := Decode(strings.NewReader(doc), testCatalog(), WithPasswordCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return d, format
}

func roundTrip(t *testing.T, d *Database) (*Database, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if err := d.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	encoded := append([]byte(nil), buf.Bytes()...)
	back, format, err := Decode(&buf, testCatalog(), WithPasswordCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if format != FormatCurrent {
		t.Fatalf("expected current format, got %q", format)
	}
	return back, encoded
}

func TestRoundTripPreservesState(t *testing.T) {
	d, clk := newTestDB(t)
	mustLogin(t, d, model.Teacher, "secret")
	mustLogin(t, d, "zed", "pw")
	mustLogin(t, d, "adam", "pw")

	clk.t = time.Unix(100, 123456000)
	mustSubmit(t, d, "zed", 0, 0, "hello")
	clk.set(110)
	mustReply(t, d, "zed", 0, 0, "nice")
	mustSubmit(t, d, "zed", 0, 0, "thanks")
	if err := d.Skip("zed", 0, 0); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	mustSubmit(t, d, "adam", 0, 0, "héllo \"quoted\"\nnew line")

	back, encoded := roundTrip(t, d)
	if !reflect.DeepEqual(d.Snapshot(), back.Snapshot()) {
		t.Errorf("snapshot changed across a round trip:\n got %+v\nwant %+v", back.Snapshot(), d.Snapshot())
	}

	var again bytes.Buffer
	if err := back.Encode(&again); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(encoded, again.Bytes()) {
		t.Error("re-encoding a decoded snapshot should be byte-identical")
	}
	if bytes.Index(encoded, []byte(`"zed"`)) > bytes.Index(encoded, []byte(`"adam"`)) {
		t.Error("users should be written in insertion order")
	}
	if _, err := back.Login("zed", "pw"); err != nil {
		t.Errorf("participant password should survive: %v", err)
	}
	if _, err := back.Login(model.Teacher, "secret"); err != nil {
		t.Errorf("teacher password should survive: %v", err)
	}
}

func TestRoundTripEmptyDatabase(t *testing.T) {
	d, _ := newTestDB(t)
	back, encoded := roundTrip(t, d)
	if !reflect.DeepEqual(d.Snapshot(), back.Snapshot()) {
		t.Error("empty snapshot changed across a round trip")
	}
	if !bytes.Contains(encoded, []byte(`"teacher_password": null`)) {
		t.Errorf("unset teacher password should encode as null:\n%s", encoded)
	}
}

func TestDecodeLegacySnapshot(t *testing.T) {
	const doc = `{
	  "Bob": [[
	    {"user": "Bob", "original": "IL: animals are not intelligent",
	     "exo": {"name": "Rapport", "instructions": "..."},
	     "messages": [{"user": "Bob", "content": "hi", "timestamp": 100.5}],
	     "uid": "u1"},
	    {"user": "Bob", "messages": [], "uid": "u2"}
	  ], [
	    {"user": "Bob", "messages": []}
	  ]]
	}`
	d, format := decodeString(t, doc)
	if format != FormatLegacy {
		t.Fatalf("expected legacy format, got %q", format)
	}
	if d.Version() == 0 {
		t.Error("an upgraded snapshot should be marked as changed")
	}
	if d.HasTeacherPassword() {
		t.Error("legacy snapshots carry no teacher password")
	}

	u, ok := d.User("Bob")
	if !ok {
		t.Fatal("Bob was not migrated")
	}
	if u.Password != "" {
		t.Error("legacy users start unclaimed")
	}
	q := u.Exos[0][0]
	if q.UID != "u1" || len(q.Messages) != 1 || q.Messages[0].Content != "hi" {
		t.Errorf("unexpected migrated question %+v", q)
	}
	if want := time.UnixMicro(100_500_000).UTC(); !q.Messages[0].Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", q.Messages[0].Timestamp, want)
	}
	if u.Exos[1][0].UID == "" || u.Exos[1][0].Exercise != 1 {
		t.Errorf("missing uid should be generated, got %+v", u.Exos[1][0])
	}

	back, _ := roundTrip(t, d)
	if !reflect.DeepEqual(d.Snapshot(), back.Snapshot()) {
		t.Error("migrated snapshot changed across a round trip")
	}

	if _, err := d.Login("Bob", "new-secret"); err != nil {
		t.Fatalf("first login should claim the legacy account: %v", err)
	}
	if _, err := d.Login("Bob", "other"); err == nil {
		t.Error("claimed account should reject other passwords")
	}
}

func TestDecodeUserNamedUsersIsLegacy(t *testing.T) {
	d, format := decodeString(t, `{"users": [[{"messages": [], "uid": "x"}]]}`)
	if format != FormatLegacy {
		t.Fatalf("expected legacy format, got %q", format)
	}
	if _, ok := d.User("users"); !ok {
		t.Error("participant named users should be migrated")
	}
}

func TestDecodeTrustsGridPositions(t *testing.T) {
	const doc = `{"users": {"amy": {"name": "amy", "password": "", "exos": [[
	  {"exo": 7, "variation": 3, "messages": [], "uid": "a"},
	  {"exo": 7, "variation": 3, "messages": [], "uid": "b"}
	]]}}, "teacher_password": null, "version": 2}`
	d, format := decodeString(t, doc)
	if format != FormatCurrent {
		t.Fatalf("expected current format, got %q", format)
	}
	u, _ := d.User("amy")
	for k, q := range u.Exos[0] {
		if q.Exercise != 0 || q.Variation != k || q.Owner != "amy" {
			t.Errorf("cell %d has identity (%d,%d,%q)", k, q.Exercise, q.Variation, q.Owner)
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not an object", `[1, 2]`},
		{"truncated", `{"users": {`},
		{"legacy user is not a grid", `{"alice": 3}`},
		{"future version", `{"users": {}, "teacher_password": null, "version": 3}`},
		{"bad user", `{"users": {"a": {"exos": "nope"}}, "version": 2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(strings.NewReader(tt.doc), testCatalog())
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestExportSkipsUntouchedQuestions(t *testing.T) {
	d, _ := newTestDB(t)
	mustLogin(t, d, "alice", "pw")
	mustLogin(t, d, "bob", "pw")
	mustSubmit(t, d, "alice", 0, 0, "hello")
	mustReply(t, d, "alice", 0, 0, "good")

	results := d.Export()
	if len(results) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(results))
	}
	alice, bob := results[0], results[1]
	if alice.Name != "alice" || len(alice.Questions) != 1 {
		t.Fatalf("unexpected alice export %+v", alice)
	}
	q := alice.Questions[0]
	if q.ExerciseName != "Rapport" || q.Stimulus != "IL: animals are not intelligent" {
		t.Errorf("catalog fields not filled: %+v", q)
	}
	if q.State != model.StateAnswered || len(q.Conversation) != 2 {
		t.Errorf("unexpected conversation %+v", q)
	}
	if bob.Name != "bob" || len(bob.Questions) != 0 {
		t.Errorf("bob never wrote anything, got %+v", bob)
	}
}
