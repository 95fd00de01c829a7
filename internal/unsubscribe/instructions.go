package unsubscribe

import (
	"github.com/osteele/liquid"

	"github.com/subscout/subscout/internal/pkg/logger"
)

const manualTemplate = `To cancel your {{ service_name }} subscription:

1. Visit: {{ link }}
{% if login_required %}2. Log in to your account
3. Look for "Cancel Subscription" or "Manage Subscription" options
4. Follow the on-screen instructions to complete cancellation{% else %}2. Look for "Cancel Subscription" or "Manage Subscription" options
3. Follow the on-screen instructions to complete cancellation{% endif %}

If you need help, you can:
- Contact {{ service_name }} customer support
- Check their help center for cancellation guides

We'll keep watching your inbox for a confirmation email.`

type instructionRenderer struct {
	engine *liquid.Engine
	tpl    *liquid.Template
}

func newInstructionRenderer() *instructionRenderer {
	engine := liquid.NewEngine()
	tpl, err := engine.ParseString(manualTemplate)
	if err != nil {
		// The template is a compile-time constant; a parse error is a bug.
		panic(err)
	}
	return &instructionRenderer{engine: engine, tpl: tpl}
}

func (r *instructionRenderer) render(serviceName, link string, loginRequired bool) string {
	out, err := r.tpl.RenderString(map[string]interface{}{
		"service_name":   serviceName,
		"link":           link,
		"login_required": loginRequired,
	})
	if err != nil {
		logger.Warn("instruction render failed", "error", err.Error())
		return "Please visit " + link + " to cancel your subscription."
	}
	return out
}
