package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/axrunhq/ax/internal/scanner"
	"github.com/axrunhq/ax/internal/taint"
)

func TestInBootstrapMode(t *testing.T) {
	dir := t.TempDir()
	if InBootstrapMode(dir) {
		t.Fatal("empty directory must not be in bootstrap mode")
	}

	if err := os.WriteFile(filepath.Join(dir, FileBootstrap), []byte("setting up"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !InBootstrapMode(dir) {
		t.Fatal("expected bootstrap mode with BOOTSTRAP.md and no SOUL.md")
	}

	if err := os.WriteFile(filepath.Join(dir, FileSoul), []byte("i am"), 0o644); err != nil {
		t.Fatal(err)
	}
	if InBootstrapMode(dir) {
		t.Fatal("expected bootstrap mode to end once SOUL.md exists")
	}
}

func TestIsAdmin(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileAdmins), []byte("alice\nbob\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !IsAdmin(dir, "alice") {
		t.Fatal("expected alice to be an admin")
	}
	if IsAdmin(dir, "carol") {
		t.Fatal("expected carol not to be an admin")
	}
}

func TestApplyWritePolicyScannerBlockedNeverWrites(t *testing.T) {
	dir := t.TempDir()
	req := WriteRequest{AgentDir: dir, File: FileSoul, Content: "x", Action: "identity_write", SessionID: "s1"}
	res := ApplyWritePolicy(req, scanner.Result{Verdict: scanner.BLOCK}, taint.NewBudget(taint.ProfileYOLO), taint.ProfileYOLO, nil)
	if res.Outcome != OutcomeReject {
		t.Fatalf("Outcome = %v, want Reject", res.Outcome)
	}
	if _, err := os.Stat(filepath.Join(dir, FileSoul)); err == nil {
		t.Fatal("scanner-blocked write must not touch disk")
	}
}

func TestApplyWritePolicyParanoidAlwaysQueues(t *testing.T) {
	dir := t.TempDir()
	req := WriteRequest{AgentDir: dir, File: FileSoul, Content: "x", Action: "identity_write", SessionID: "s1"}
	res := ApplyWritePolicy(req, scanner.Result{Verdict: scanner.PASS}, taint.NewBudget(taint.ProfileParanoid), taint.ProfileParanoid, nil)
	if res.Outcome != OutcomeQueued || res.AuditTag != "queued_paranoid" {
		t.Fatalf("result = %+v, want queued_paranoid", res)
	}
	if _, err := os.Stat(filepath.Join(dir, FileSoul)); err == nil {
		t.Fatal("paranoid profile must never write to disk")
	}
}

func TestApplyWritePolicyTaintedNonYoloQueues(t *testing.T) {
	dir := t.TempDir()
	budget := taint.NewBudget(taint.ProfileBalanced)
	budget.RecordContent("s1", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true) // push ratio over balanced's 0.30

	req := WriteRequest{AgentDir: dir, File: FileIdentity, Content: "x", Action: "identity_write", SessionID: "s1"}
	res := ApplyWritePolicy(req, scanner.Result{Verdict: scanner.PASS}, budget, taint.ProfileBalanced, nil)
	if res.Outcome != OutcomeQueued || res.AuditTag != "queued_tainted" {
		t.Fatalf("result = %+v, want queued_tainted", res)
	}
}

func TestApplyWritePolicyYoloAppliesAndSoulDeletesBootstrap(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileBootstrap), []byte("setting up"), 0o644); err != nil {
		t.Fatal(err)
	}

	req := WriteRequest{AgentDir: dir, File: FileSoul, Content: "i am ax", Action: "identity_write", SessionID: "s1"}
	res := ApplyWritePolicy(req, scanner.Result{Verdict: scanner.PASS}, taint.NewBudget(taint.ProfileYOLO), taint.ProfileYOLO, nil)
	if res.Outcome != OutcomeApplied {
		t.Fatalf("Outcome = %v, want Applied", res.Outcome)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileSoul))
	if err != nil || string(data) != "i am ax" {
		t.Fatalf("expected SOUL.md on disk with written content, data=%q err=%v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileBootstrap)); !os.IsNotExist(err) {
		t.Fatal("expected BOOTSTRAP.md to be deleted after a successful SOUL.md write")
	}
	if InBootstrapMode(dir) {
		t.Fatal("agent must no longer be in bootstrap mode after SOUL.md write")
	}
}
