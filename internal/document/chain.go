// Package document holds the approval chain of a request and the state
// machine that moves the request through its lifecycle. The chain's mutating
// operations are unexported: only Machine may advance or halt it, which keeps
// at most one step pending at any time.
package document

import (
	"fmt"
	"sort"
	"time"

	"github.com/pitabwire/hrflow/model"
)

// Chain is the ordered list of approval steps of one request. Steps are
// stored by position (index = StepOrder-1) and never point back at the
// request.
type Chain struct {
	requestID string
	steps     []model.ApprovalStep
}

// NewChain creates one step per approver, in order. Step 1 starts pending and
// the rest wait.
func NewChain(requestID string, approverIDs []string) (*Chain, error) {
	if len(approverIDs) == 0 {
		return nil, model.NewFieldError("approver_ids", "required", "at least one approver is required")
	}

	seen := make(map[string]bool, len(approverIDs))
	steps := make([]model.ApprovalStep, len(approverIDs))
	for i, id := range approverIDs {
		if id == "" {
			return nil, model.NewFieldError(fmt.Sprintf("approver_ids[%d]", i), "required", "approver id must not be empty")
		}
		if seen[id] {
			return nil, model.NewDuplicateApproverError(id)
		}
		seen[id] = true

		status := model.StepStatusWaiting
		if i == 0 {
			status = model.StepStatusPending
		}
		steps[i] = model.ApprovalStep{
			RequestID:  requestID,
			StepOrder:  i + 1,
			ApproverID: id,
			Status:     status,
		}
	}
	return &Chain{requestID: requestID, steps: steps}, nil
}

// RestoreChain rebuilds a chain from stored steps and verifies it.
func RestoreChain(requestID string, steps []model.ApprovalStep) (*Chain, error) {
	sorted := make([]model.ApprovalStep, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StepOrder < sorted[j].StepOrder })

	c := &Chain{requestID: requestID, steps: sorted}
	if err := c.CheckInvariant(); err != nil {
		return nil, err
	}
	return c, nil
}

// Len returns the number of steps.
func (c *Chain) Len() int { return len(c.steps) }

// Steps returns a copy of the steps in order.
func (c *Chain) Steps() []model.ApprovalStep {
	out := make([]model.ApprovalStep, len(c.steps))
	copy(out, c.steps)
	return out
}

// Step returns the step with the given order.
func (c *Chain) Step(order int) (model.ApprovalStep, bool) {
	if order < 1 || order > len(c.steps) {
		return model.ApprovalStep{}, false
	}
	return c.steps[order-1], true
}

// Current returns the pending step, if any.
func (c *Chain) Current() (model.ApprovalStep, bool) {
	for _, s := range c.steps {
		if s.Status == model.StepStatusPending {
			return s, true
		}
	}
	return model.ApprovalStep{}, false
}

// CurrentApprover returns who may act next, or false when the request is not
// awaiting a decision.
func (c *Chain) CurrentApprover() (string, bool) {
	s, ok := c.Current()
	return s.ApproverID, ok
}

// StepFor returns the step assigned to approverID.
func (c *Chain) StepFor(approverID string) (model.ApprovalStep, bool) {
	for _, s := range c.steps {
		if s.ApproverID == approverID {
			return s, true
		}
	}
	return model.ApprovalStep{}, false
}

// ApprovedCount returns how many steps have been approved.
func (c *Chain) ApprovedCount() int {
	n := 0
	for _, s := range c.steps {
		if s.Status == model.StepStatusApproved {
			n++
		}
	}
	return n
}

// CheckInvariant verifies the chain shape: orders are 1..N, at most one step
// is pending, everything before the pending or rejected step is approved and
// everything after it is waiting.
func (c *Chain) CheckInvariant() error {
	if len(c.steps) == 0 {
		return fmt.Errorf("chain %s: no steps", c.requestID)
	}

	pivot := 0
	for i, s := range c.steps {
		if s.StepOrder != i+1 {
			return fmt.Errorf("chain %s: step at position %d has order %d", c.requestID, i+1, s.StepOrder)
		}
		if s.Status == model.StepStatusPending || s.Status == model.StepStatusRejected {
			if pivot != 0 {
				return fmt.Errorf("chain %s: steps %d and %d are both open or rejected", c.requestID, pivot, s.StepOrder)
			}
			pivot = s.StepOrder
		}
	}

	if pivot == 0 {
		// No open step: an approved prefix followed by waiting steps.
		seenWaiting := false
		for _, s := range c.steps {
			switch s.Status {
			case model.StepStatusWaiting:
				seenWaiting = true
			case model.StepStatusApproved:
				if seenWaiting {
					return fmt.Errorf("chain %s: step %d approved after a waiting step", c.requestID, s.StepOrder)
				}
			}
		}
		return nil
	}

	for _, s := range c.steps {
		switch {
		case s.StepOrder < pivot && s.Status != model.StepStatusApproved:
			return fmt.Errorf("chain %s: step %d is %s before step %d", c.requestID, s.StepOrder, s.Status, pivot)
		case s.StepOrder > pivot && s.Status != model.StepStatusWaiting:
			return fmt.Errorf("chain %s: step %d is %s after step %d", c.requestID, s.StepOrder, s.Status, pivot)
		}
	}
	return nil
}

// advance approves the pending step at order and opens the next one. It
// returns the order of the newly pending step, or 0 when order was the last.
func (c *Chain) advance(order int, comment *string, at time.Time) (int, error) {
	if err := c.requirePending(order); err != nil {
		return 0, err
	}
	s := &c.steps[order-1]
	s.Status = model.StepStatusApproved
	s.DecidedAt = &at
	s.Comment = comment

	if order == len(c.steps) {
		return 0, nil
	}
	c.steps[order].Status = model.StepStatusPending
	return order + 1, nil
}

// halt rejects the pending step at order. Later steps stay waiting for good.
func (c *Chain) halt(order int, reason string, at time.Time) error {
	if err := c.requirePending(order); err != nil {
		return err
	}
	s := &c.steps[order-1]
	s.Status = model.StepStatusRejected
	s.DecidedAt = &at
	s.Comment = &reason
	return nil
}

// freeze returns the pending step, if any, to waiting. It reports the order
// of the step it froze.
func (c *Chain) freeze() int {
	for i := range c.steps {
		if c.steps[i].Status == model.StepStatusPending {
			c.steps[i].Status = model.StepStatusWaiting
			return c.steps[i].StepOrder
		}
	}
	return 0
}

func (c *Chain) requirePending(order int) error {
	s, ok := c.Step(order)
	if !ok {
		return fmt.Errorf("chain %s: no step %d", c.requestID, order)
	}
	if s.Status != model.StepStatusPending {
		return model.NewNotCurrentStepError(fmt.Sprintf("step %d is %s, not pending", order, s.Status)).
			With(model.CtxRequestID, c.requestID).
			With(model.CtxStepOrder, order)
	}
	return nil
}
