package solver

import (
	"context"
	"net/url"
)

// twoCaptchaPermanentSubmit are submit rejections that will not change on
// retry. Everything else the service reports is treated as transient.
var twoCaptchaPermanentSubmit = map[string]bool{
	"ERROR_WRONG_USER_KEY":     true,
	"ERROR_ZERO_BALANCE":       true,
	"ERROR_PAGEURL":            true,
	"ERROR_GOOGLEKEY":          true,
	"ERROR_IP_NOT_ALLOWED":     true,
	"ERROR_BAD_PARAMETERS":     true,
	"ERROR_DUPLICATE":          true,
	"ERROR_DOMAIN_NOT_ALLOWED": true,
}

// twoCaptchaPermanentPoll are 2captcha poll rejections that end a solve.
var twoCaptchaPermanentPoll = map[string]bool{
	"ERROR_WRONG_USER_KEY":     true,
	"ERROR_WRONG_CAPTCHA_ID":   true,
	"ERROR_CAPTCHA_UNSOLVABLE": true,
	"ERROR_ZERO_BALANCE":       true,
	"ERROR_IP_NOT_ALLOWED":     true,
}

// notReadyCode is the poll response while the service is still solving.
const notReadyCode = "CAPCHA_NOT_READY"

// TwoCaptcha implements the GET-based in.php/res.php solving protocol.
//
// Submit: GET {base}/in.php?key=...&method=...&googlekey=...&pageurl=...&json=1
// Poll:   GET {base}/res.php?key=...&action=get&id=...&json=1
//
// Successful responses carry status=1 and the payload in "request"; failures
// carry status=0 and an error code in "request".
type TwoCaptcha struct {
	apiKey  string
	baseURL string
	method  string
	tp      *transport
}

// twoCaptchaResponse is the envelope both in.php and res.php return with json=1.
type twoCaptchaResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Name implements Provider.
func (p *TwoCaptcha) Name() string { return NameTwoCaptcha }

// SupportsCallback implements Provider. The in.php protocol accepts a
// pingback URL at submission time.
func (p *TwoCaptcha) SupportsCallback() bool { return true }

// Submit implements Provider.
//
// The invisible flag is accepted for interface consistency but not sent:
// the service auto-detects the invisible challenge variant.
func (p *TwoCaptcha) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	params := url.Values{}
	params.Set("key", p.apiKey)
	params.Set("method", p.method)
	params.Set("googlekey", req.SiteKey)
	params.Set("pageurl", req.PageURL)
	params.Set("json", "1")
	if req.CallbackURL != "" {
		params.Set("pingback", req.CallbackURL)
	}

	var resp twoCaptchaResponse
	if err := p.tp.getJSON(ctx, p.baseURL+"/in.php?"+params.Encode(), &resp); err != nil {
		return "", err
	}

	if resp.Status == 1 {
		return resp.Request, nil
	}

	code := resp.Request
	if code == "" {
		code = "UNKNOWN"
	}
	if twoCaptchaPermanentSubmit[code] {
		return "", &PermanentError{Op: "submit", Code: code}
	}
	return "", &TransientError{Op: "submit", Reason: code}
}

// Poll implements Provider. It returns ("", nil) while the solve is pending.
func (p *TwoCaptcha) Poll(ctx context.Context, taskID string) (string, error) {
	params := url.Values{}
	params.Set("key", p.apiKey)
	params.Set("action", "get")
	params.Set("id", taskID)
	params.Set("json", "1")

	var resp twoCaptchaResponse
	if err := p.tp.getJSON(ctx, p.baseURL+"/res.php?"+params.Encode(), &resp); err != nil {
		return "", err
	}

	if resp.Status == 1 {
		return resp.Request, nil
	}
	if resp.Request == notReadyCode {
		return "", nil
	}

	code := resp.Request
	if code == "" {
		code = "UNKNOWN"
	}
	if twoCaptchaPermanentPoll[code] {
		return "", &PermanentError{Op: "poll", Code: code}
	}
	return "", &TransientError{Op: "poll", Reason: code}
}
