package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/input-output-hk/branchline/src/domain"
)

const (
	acceptedSignature = "sha256"
	branchRefPrefix   = "refs/heads/"
	MiB               = 1048576
)

type pushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
}

// ApiWebhookPushPost triggers a run for GitHub-style push events.
// Pushes that are not for a provisioned branch are acknowledged and ignored.
func (self *Web) ApiWebhookPushPost(w http.ResponseWriter, req *http.Request) {
	// We limit body sizes to 1MiB like the trigger relay does.
	body, err := io.ReadAll(io.LimitReader(req.Body, MiB))
	if err != nil {
		self.ClientError(w, errors.WithMessage(err, "While reading body"))
		return
	}

	if len(self.Config.WebhookSecret) != 0 {
		if err := ValidateSignature(req.Header.Get("X-Hub-Signature-256"), body, self.Config.WebhookSecret); err != nil {
			self.Error(w, HandlerError{errors.WithMessage(err, "HMAC invalid"), http.StatusUnauthorized})
			return
		}
	}

	if event := req.Header.Get("X-GitHub-Event"); event != "" && event != "push" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	event := pushEvent{}
	if err := json.Unmarshal(body, &event); err != nil {
		self.ClientError(w, errors.WithMessage(err, "Could not decode push event"))
		return
	}

	if !strings.HasPrefix(event.Ref, branchRefPrefix) || event.Deleted || event.After == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	branch, err := domain.ParseBranch(strings.TrimPrefix(event.Ref, branchRefPrefix))
	if err != nil {
		self.ClientError(w, err)
		return
	}

	run, err := self.PipelineService.Trigger(req.Context(), branch, event.After)
	switch {
	case errors.Is(err, domain.ErrUnknownBranch):
		self.Logger.Debug().Str("branch", branch.String()).Msg("Ignoring push to branch without pipeline")
		w.WriteHeader(http.StatusNoContent)
	case err != nil:
		self.Error(w, err)
	default:
		self.json(w, run, http.StatusAccepted)
	}
}

// ValidateSignature checks a X-Hub-Signature-256 header value against body.
func ValidateSignature(signatureRaw string, body, secret []byte) error {
	signatureType, signature, found := strings.Cut(signatureRaw, "=")
	if !found {
		return errors.Errorf("Invalid signature %q", signatureRaw)
	}

	if signatureType != acceptedSignature {
		return errors.Errorf("HMAC Signature type unexpected %q != %q", signatureType, acceptedSignature)
	}

	msgMac, err := hex.DecodeString(signature)
	if err != nil {
		return errors.WithMessage(err, "failed to decode header signature")
	}

	if !hmac.Equal(msgMac, Sign(body, secret)) {
		return errors.New("HMAC message digest or secret invalid")
	}

	return nil
}

func Sign(body, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func uuidVar(req *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(req)["id"])
	return id, errors.WithMessage(err, "id is not a valid UUID")
}
