package webhook

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/meetsmatch/notify-dispatch/internal/errors"
)

// extractHeaders is grounded on the teacher's gin-based webhook handler in
// cmd/bot/main.go (router.POST("/webhook", botHandler.HandleWebhook)):
// pull the few headers a verifier needs into a plain map so Verifier stays
// decoupled from gin.
func extractHeaders(c *gin.Context, names ...string) map[string]string {
	h := make(map[string]string, len(names))
	for _, n := range names {
		h[n] = c.GetHeader(n)
	}
	return h
}

// GinHandler returns a gin handler for POST /v1/webhooks/:provider. The
// event-extraction step (turning a provider's raw JSON/form body into
// []CallbackEvent) is provider-specific and supplied by extract, since each
// provider's payload shape differs (spec §4.8 step 4's "parse" step).
func (in *Ingress) GinHandler(extract map[string]func(body []byte) ([]CallbackEvent, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerName := c.Param("provider")

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			appErr := apperrors.NewValidationError("body", "could not read request body")
			c.JSON(appErr.HTTPStatus, appErr.ProblemDetails(c.FullPath()))
			return
		}

		headers := extractHeaders(c,
			"X-Webhook-Timestamp", "X-Webhook-Signature",
			"X-Twilio-Signature", "X-Request-URL",
		)

		parse, ok := extract[providerName]
		if !ok {
			appErr := apperrors.NewNotFoundError("provider")
			c.JSON(appErr.HTTPStatus, appErr.ProblemDetails(c.FullPath()))
			return
		}

		// Steps 1-3 run before parse: the event shape is provider
		// defined and only needed after verification succeeds, so we
		// verify first via verifyOnly, then parse, then reconcile
		// (Handle verifies the signature once more).
		if err := in.verifyOnly(providerName, headers, body); err != nil {
			c.Status(http.StatusUnauthorized)
			return
		}

		events, err := parse(body)
		if err != nil {
			// Malformed body after a valid signature: ack so the provider
			// does not redeliver forever, per spec §4.8 step 6.
			c.Status(http.StatusOK)
			return
		}

		if err := in.Handle(c.Request.Context(), providerName, headers, body, events); err != nil {
			c.Status(http.StatusUnauthorized)
			return
		}
		c.Status(http.StatusOK)
	}
}

func (in *Ingress) verifyOnly(providerName string, headers map[string]string, body []byte) error {
	v, ok := in.verifiers[providerName]
	if !ok {
		return ErrUnknownProvider
	}
	return v.Verify(headers, body)
}
