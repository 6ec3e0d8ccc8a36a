// Package gateway maps mobile carriers to their email-to-SMS gateway
// domains and derives SMS-capable email addresses from user profiles.
package gateway

import (
	"math/rand"
	"strings"
)

// defaultDomains is the stock US carrier table. Some carriers publish
// several functionally interchangeable gateway domains.
var defaultDomains = map[string][]string{
	"AT&T":          {"@txt.att.net"},
	"Alltel":        {"@message.alltel.com"},
	"Boost Mobile":  {"@myboostmobile.com"},
	"Cricket":       {"@sms.mycricket.com"},
	"Metro PCS":     {"@mymetropcs.com"},
	"Nextel":        {"@messaging.nextel.com"},
	"Ptel":          {"@ptel.com"},
	"Qwest":         {"@qwestmp.com"},
	"Sprint":        {"@messaging.sprintpcs.com", "@pm.sprint.com"},
	"Suncom":        {"@tms.suncom.com"},
	"T-Mobile":      {"@tmomail.net"},
	"Tracfone":      {"@mmst5.tracfone.com"},
	"U.S. Cellular": {"@email.uscc.net"},
	"Verizon":       {"@vtext.com"},
	"Virgin Mobile": {"@vmobl.com"},
}

// Directory resolves carrier names to gateway domains.
type Directory struct {
	domains map[string][]string
	pick    func(n int) int
}

// NewDirectory returns the stock directory with extra carriers merged
// in. Extra entries override stock ones under the same name.
func NewDirectory(extra map[string][]string) *Directory {
	domains := make(map[string][]string, len(defaultDomains)+len(extra))
	for k, v := range defaultDomains {
		domains[k] = append([]string(nil), v...)
	}
	for k, v := range extra {
		if len(v) == 0 {
			continue
		}
		domains[k] = append([]string(nil), v...)
	}
	return &Directory{domains: domains, pick: rand.Intn}
}

// Carriers lists the known carrier names.
func (d *Directory) Carriers() []string {
	out := make([]string, 0, len(d.domains))
	for k := range d.domains {
		out = append(out, k)
	}
	return out
}

// Resolve returns a gateway domain (with the leading "@") for the
// carrier. When several equivalent domains are registered one is picked
// uniformly at random; there is no retry across domains, gateways are
// assumed interchangeable.
//
// Unknown carrier returns ("", false): the caller has no SMS channel,
// which is not an error.
func (d *Directory) Resolve(carrier string) (string, bool) {
	domains, ok := d.domains[carrier]
	if !ok || len(domains) == 0 {
		return "", false
	}
	if len(domains) == 1 {
		return domains[0], true
	}
	return domains[d.pick(len(domains))], true
}

// SMSAddress derives the email-to-SMS address for a phone + carrier
// pair. The phone is reduced to digits ("555-123-4567" → "5551234567").
// Missing phone digits or an unknown carrier yields ("", false).
func (d *Directory) SMSAddress(phone, carrier string) (string, bool) {
	digits := digitsOnly(phone)
	if digits == "" || strings.TrimSpace(carrier) == "" {
		return "", false
	}
	domain, ok := d.Resolve(carrier)
	if !ok {
		return "", false
	}
	return digits + domain, true
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
