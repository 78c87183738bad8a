package solver

import (
	"context"
	"fmt"
)

// capSolverPermanentSubmit are createTask error codes that will not change
// on retry.
var capSolverPermanentSubmit = map[string]bool{
	"ERROR_TOKEN_EXPIRED":          true,
	"ERROR_UNSUPPORTED_TASK_TYPE":  true,
	"ERROR_KEY_DENIED":             true,
	"ERROR_INCORRECT_SESSION_DATA": true,
	"ERROR_BAD_PARAMETERS":         true,
	"ERROR_ZERO_BALANCE":           true,
	"ERROR_TOO_MANY_BAD_REQUESTS":  true,
}

// capSolverPermanentPoll are getTaskResult error codes that end a solve.
var capSolverPermanentPoll = map[string]bool{
	"ERROR_TOKEN_EXPIRED":          true,
	"ERROR_KEY_DENIED":             true,
	"ERROR_INCORRECT_SESSION_DATA": true,
	"ERROR_BAD_PARAMETERS":         true,
	"ERROR_ZERO_BALANCE":           true,
}

// CapSolver implements the JSON task-based solving protocol.
//
// Submit: POST {base}/createTask      {"clientKey": ..., "task": {...}}
// Poll:   POST {base}/getTaskResult   {"clientKey": ..., "taskId": ...}
//
// Successful responses carry errorId=0; getTaskResult additionally reports
// status "processing" or "ready". Failures carry errorId!=0 with an
// errorCode/errorDescription pair.
type CapSolver struct {
	apiKey   string
	baseURL  string
	taskType string
	tp       *transport
}

// capSolverResponse is the envelope both endpoints return.
type capSolverResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           string `json:"taskId"`
	Status           string `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

// Name implements Provider.
func (p *CapSolver) Name() string { return NameCapSolver }

// SupportsCallback implements Provider. The task protocol has no pingback
// mechanism; webhook-mode callers degrade to the polling path.
func (p *CapSolver) SupportsCallback() bool { return false }

// Submit implements Provider.
func (p *CapSolver) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	task := map[string]any{
		"type":       p.taskType,
		"websiteURL": req.PageURL,
		"websiteKey": req.SiteKey,
	}
	if req.Invisible {
		task["isInvisible"] = true
	}
	payload := map[string]any{
		"clientKey": p.apiKey,
		"task":      task,
	}

	var resp capSolverResponse
	if err := p.tp.postJSON(ctx, p.baseURL+"/createTask", payload, &resp); err != nil {
		return "", err
	}

	if resp.ErrorID == 0 && resp.TaskID != "" {
		return resp.TaskID, nil
	}

	if capSolverPermanentSubmit[resp.ErrorCode] {
		return "", &PermanentError{Op: "submit", Code: resp.ErrorCode, Detail: resp.ErrorDescription}
	}
	reason := resp.ErrorCode
	if reason == "" {
		reason = resp.ErrorDescription
	}
	if reason == "" {
		reason = "unknown error"
	}
	return "", &TransientError{Op: "submit", Reason: reason}
}

// Poll implements Provider. It returns ("", nil) while the task is still
// processing.
func (p *CapSolver) Poll(ctx context.Context, taskID string) (string, error) {
	payload := map[string]any{
		"clientKey": p.apiKey,
		"taskId":    taskID,
	}

	var resp capSolverResponse
	if err := p.tp.postJSON(ctx, p.baseURL+"/getTaskResult", payload, &resp); err != nil {
		return "", err
	}

	if resp.ErrorID != 0 {
		if capSolverPermanentPoll[resp.ErrorCode] {
			return "", &PermanentError{Op: "poll", Code: resp.ErrorCode, Detail: resp.ErrorDescription}
		}
		reason := resp.ErrorCode
		if reason == "" {
			reason = resp.ErrorDescription
		}
		if reason == "" {
			reason = "unknown error"
		}
		return "", &TransientError{Op: "poll", Reason: reason}
	}

	switch resp.Status {
	case "processing":
		return "", nil
	case "ready":
		if resp.Solution.GRecaptchaResponse == "" {
			// Ready without a token is a data hiccup on the provider side;
			// the next poll usually carries it.
			return "", &TransientError{Op: "poll", Reason: "ready response missing solution"}
		}
		return resp.Solution.GRecaptchaResponse, nil
	default:
		return "", &TransientError{Op: "poll", Reason: fmt.Sprintf("unexpected status %q", resp.Status)}
	}
}
