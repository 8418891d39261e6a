package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAppend_WritesOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "journal.jsonl")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	j.Append(Event{Kind: "start", TunnelID: 0})
	j.Append(Event{Kind: "start", TunnelID: 0, SSHID: 1})

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var evt Event
	if err := json.Unmarshal([]byte(lines[1]), &evt); err != nil {
		t.Fatal(err)
	}
	if evt.SSHID != 1 || evt.TunnelID != 0 {
		t.Fatalf("unexpected decoded event: %+v", evt)
	}
}

func TestAppend_NilJournalIsNoop(t *testing.T) {
	var j *Journal
	j.Append(Event{Kind: "start"}) // must not panic
}
