package policy

import "testing"

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := []Exception{
		{Code: "missing_workpaper", EntityType: "procedure", EntityID: "proc-2"},
		{Code: "missing_workpaper", EntityType: "procedure", EntityID: "proc-1"},
	}
	b := []Exception{
		{Code: "missing_workpaper", EntityType: "procedure", EntityID: "proc-1"},
		{Code: "missing_workpaper", EntityType: "procedure", EntityID: "proc-2"},
	}
	if Fingerprint(StatusFail, a) != Fingerprint(StatusFail, b) {
		t.Fatal("exception ordering must not change the fingerprint")
	}
}

func TestFingerprint_SensitiveToContent(t *testing.T) {
	base := []Exception{{Code: "missing_workpaper", EntityType: "procedure", EntityID: "proc-1"}}
	changed := []Exception{{Code: "missing_workpaper", EntityType: "procedure", EntityID: "proc-9"}}
	if Fingerprint(StatusFail, base) == Fingerprint(StatusFail, changed) {
		t.Fatal("differing exceptions must change the fingerprint")
	}
	if Fingerprint(StatusPass, nil) == Fingerprint(StatusFail, nil) {
		t.Fatal("status must feed the fingerprint")
	}
}

func TestHashDecisions_OrderIndependent(t *testing.T) {
	a := []DecisionItem{
		{PolicyID: PolicyReviewNotes, RecordID: "eval-2"},
		{PolicyID: PolicyEvidence, RecordID: "eval-1"},
	}
	b := []DecisionItem{
		{PolicyID: PolicyEvidence, RecordID: "eval-1"},
		{PolicyID: PolicyReviewNotes, RecordID: "eval-2"},
	}
	if HashDecisions(a) != HashDecisions(b) {
		t.Fatal("decision ordering must not change the hash")
	}
	c := []DecisionItem{
		{PolicyID: PolicyEvidence, RecordID: "eval-1"},
		{PolicyID: PolicyReviewNotes, RecordID: "waiver-7"},
	}
	if HashDecisions(a) == HashDecisions(c) {
		t.Fatal("swapping an evaluation for a waiver must change the hash")
	}
}
