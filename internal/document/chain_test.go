package document

import (
	"testing"
	"time"

	"github.com/pitabwire/hrflow/model"
)

func TestNewChain(t *testing.T) {
	c, err := NewChain("req-1", []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("NewChain() error = %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", c.Len())
	}
	want := []model.StepStatus{model.StepStatusPending, model.StepStatusWaiting, model.StepStatusWaiting}
	for i, s := range c.Steps() {
		if s.StepOrder != i+1 {
			t.Errorf("step %d order = %d", i, s.StepOrder)
		}
		if s.Status != want[i] {
			t.Errorf("step %d status = %s, want %s", s.StepOrder, s.Status, want[i])
		}
		if s.RequestID != "req-1" {
			t.Errorf("step %d request = %q", s.StepOrder, s.RequestID)
		}
	}
	if who, ok := c.CurrentApprover(); !ok || who != "alice" {
		t.Errorf("CurrentApprover() = %q, %v, want alice, true", who, ok)
	}
}

func TestNewChain_errors(t *testing.T) {
	tests := []struct {
		name      string
		approvers []string
		wantCode  string
	}{
		{"empty", nil, model.ErrValidationError},
		{"blank id", []string{"alice", ""}, model.ErrValidationError},
		{"duplicate", []string{"alice", "bob", "alice"}, model.ErrDuplicateApprover},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChain("req-1", tt.approvers)
			if !model.IsCode(err, tt.wantCode) {
				t.Errorf("NewChain() error = %v, want %s", err, tt.wantCode)
			}
		})
	}
}

func TestChain_advanceAndHalt(t *testing.T) {
	c, _ := NewChain("req-1", []string{"alice", "bob"})
	now := time.Now()

	next, err := c.advance(1, nil, now)
	if err != nil || next != 2 {
		t.Fatalf("advance(1) = %d, %v, want 2, nil", next, err)
	}
	if _, err := c.advance(1, nil, now); !model.IsCode(err, model.ErrNotCurrentStep) {
		t.Errorf("advance(1) twice error = %v, want NOT_CURRENT_STEP", err)
	}
	if err := c.halt(2, "budget", now); err != nil {
		t.Fatalf("halt(2) error = %v", err)
	}
	if _, ok := c.Current(); ok {
		t.Error("Current() found a pending step after halt")
	}
	s, _ := c.Step(2)
	if s.Comment == nil || *s.Comment != "budget" {
		t.Errorf("step 2 comment = %v, want budget", s.Comment)
	}
	if err := c.CheckInvariant(); err != nil {
		t.Errorf("CheckInvariant() = %v", err)
	}
}

func TestChain_advanceLastStep(t *testing.T) {
	c, _ := NewChain("req-1", []string{"alice"})
	next, err := c.advance(1, nil, time.Now())
	if err != nil || next != 0 {
		t.Fatalf("advance(last) = %d, %v, want 0, nil", next, err)
	}
	if c.ApprovedCount() != 1 {
		t.Errorf("ApprovedCount() = %d, want 1", c.ApprovedCount())
	}
}

func TestChain_freeze(t *testing.T) {
	c, _ := NewChain("req-1", []string{"alice", "bob"})
	if got := c.freeze(); got != 1 {
		t.Errorf("freeze() = %d, want 1", got)
	}
	if _, ok := c.Current(); ok {
		t.Error("Current() found a pending step after freeze")
	}
	if got := c.freeze(); got != 0 {
		t.Errorf("freeze() again = %d, want 0", got)
	}
}

func TestRestoreChain_rejectsBrokenShapes(t *testing.T) {
	step := func(order int, status model.StepStatus) model.ApprovalStep {
		return model.ApprovalStep{RequestID: "req-1", StepOrder: order, ApproverID: string(rune('a' + order)), Status: status}
	}
	tests := []struct {
		name  string
		steps []model.ApprovalStep
		ok    bool
	}{
		{"fresh", []model.ApprovalStep{step(1, model.StepStatusPending), step(2, model.StepStatusWaiting)}, true},
		{"unsorted input", []model.ApprovalStep{step(2, model.StepStatusPending), step(1, model.StepStatusApproved)}, true},
		{"two pending", []model.ApprovalStep{step(1, model.StepStatusPending), step(2, model.StepStatusPending)}, false},
		{"gap", []model.ApprovalStep{step(1, model.StepStatusPending), step(3, model.StepStatusWaiting)}, false},
		{"approved after pending", []model.ApprovalStep{step(1, model.StepStatusPending), step(2, model.StepStatusApproved)}, false},
		{"moved after reject", []model.ApprovalStep{step(1, model.StepStatusRejected), step(2, model.StepStatusPending)}, false},
		{"waiting before approved", []model.ApprovalStep{step(1, model.StepStatusWaiting), step(2, model.StepStatusApproved)}, false},
		{"all approved", []model.ApprovalStep{step(1, model.StepStatusApproved), step(2, model.StepStatusApproved)}, true},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RestoreChain("req-1", tt.steps)
			if (err == nil) != tt.ok {
				t.Errorf("RestoreChain() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
