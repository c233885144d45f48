package rotation

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"golang.org/x/text/language"

	"github.com/threadline/pivot/internal/didcomm"
)

// Message type URIs for the rotation protocol family.
const (
	TypeRotate        = "https://didcomm.org/did-rotate/1.0/rotate"
	TypeAck           = "https://didcomm.org/did-rotate/1.0/ack"
	TypeProblemReport = "https://didcomm.org/did-rotate/1.0/problem-report"
)

// Problem report reason codes.
const (
	// ProblemCodeUnresolvable reports a DID the observing party cannot
	// resolve to a document.
	ProblemCodeUnresolvable = "unresolvable"
	// ProblemCodeMethodUnsupported reports a DID method the observing party
	// does not support.
	ProblemCodeMethodUnsupported = "method_unsupported"
)

// descriptionCodeKey is the reserved description map key carrying the reason
// code; every other key is a locale tag.
const descriptionCodeKey = "code"

// Rotate announces the sender's intent to switch to a new DID.
type Rotate struct {
	didcomm.Base
	ToDID string `json:"to_did"`
}

// NewRotate creates a rotate message proposing toDID.
func NewRotate(toDID string) *Rotate {
	return &Rotate{
		Base:  didcomm.NewBase(TypeRotate),
		ToDID: toDID,
	}
}

// Validate checks the rotate message's schema.
func (r *Rotate) Validate() error {
	if err := r.ValidateEnvelope(); err != nil {
		return err
	}
	if r.Type != TypeRotate {
		return fmt.Errorf("unexpected message type %q", r.Type)
	}
	if strings.TrimSpace(r.ToDID) == "" {
		return fmt.Errorf("rotate to_did is required")
	}
	return nil
}

// Ack acknowledges a rotation attempt identified by its thread.
type Ack struct {
	didcomm.Base
}

// NewAck creates an ack referencing the originating rotate message.
func NewAck(threadID string) *Ack {
	ack := &Ack{Base: didcomm.NewBase(TypeAck)}
	ack.AssignThread(threadID, "")
	return ack
}

// Validate checks the ack's schema. The thread reference is mandatory.
func (a *Ack) Validate() error {
	if err := a.ValidateEnvelope(); err != nil {
		return err
	}
	if a.Type != TypeAck {
		return fmt.Errorf("unexpected message type %q", a.Type)
	}
	return a.RequireThread()
}

// ProblemReport reports a rotation failure back to the rotating party. The
// description map carries the machine-readable reason under the "code" key
// and human-readable text under locale-tag keys.
type ProblemReport struct {
	didcomm.Base
	Description map[string]string `json:"description"`
}

// NewProblemReportUnresolvable reports that did could not be resolved.
func NewProblemReportUnresolvable(did string) *ProblemReport {
	return newProblemReport(ProblemCodeUnresolvable, did)
}

// NewProblemReportMethodUnsupported reports that did's method is unsupported.
func NewProblemReportMethodUnsupported(did string) *ProblemReport {
	return newProblemReport(ProblemCodeMethodUnsupported, did)
}

func newProblemReport(code, did string) *ProblemReport {
	report := &ProblemReport{
		Base:        didcomm.NewBase(TypeProblemReport),
		Description: map[string]string{descriptionCodeKey: code},
	}
	for locale, text := range descriptionText(code, did) {
		report.Description[locale] = text
	}
	return report
}

// Code returns the machine-readable reason code, or "" when absent.
func (p *ProblemReport) Code() string {
	if p == nil || p.Description == nil {
		return ""
	}
	return strings.TrimSpace(p.Description[descriptionCodeKey])
}

// KnownCode reports whether code is one of the enumerated reason codes.
func KnownCode(code string) bool {
	switch code {
	case ProblemCodeUnresolvable, ProblemCodeMethodUnsupported:
		return true
	default:
		return false
	}
}

// Validate checks the problem report's schema. Thread and parent-thread
// references are mandatory, as is the reason code. Unrecognized codes are
// accepted but logged, so newer peers can introduce codes without breaking
// older observers.
func (p *ProblemReport) Validate() error {
	if err := p.ValidateEnvelope(); err != nil {
		return err
	}
	if p.Type != TypeProblemReport {
		return fmt.Errorf("unexpected message type %q", p.Type)
	}
	if err := p.RequireThread(); err != nil {
		return err
	}
	if p.Thread == nil || strings.TrimSpace(p.Thread.ParentThreadID) == "" {
		return fmt.Errorf("problem report ~thread.pthid is required")
	}
	code := p.Code()
	if code == "" {
		return fmt.Errorf("problem report description.code is required")
	}
	if !KnownCode(code) {
		log.Printf("rotation: unrecognized problem report code %q on message %s", code, p.ID)
	}
	if p.localeCount() == 0 {
		return fmt.Errorf("problem report requires at least one locale description")
	}
	return nil
}

func (p *ProblemReport) localeCount() int {
	count := 0
	for key := range p.Description {
		if key != descriptionCodeKey {
			count++
		}
	}
	return count
}

// LocalizedDescription returns the description text best matching the
// requested locale, falling back across the report's available locales.
func (p *ProblemReport) LocalizedDescription(locale string) string {
	if p == nil || p.Description == nil {
		return ""
	}

	keys := make([]string, 0, len(p.Description))
	for key := range p.Description {
		if key != descriptionCodeKey {
			keys = append(keys, key)
		}
	}
	// Sorted keys keep the matcher's fallback choice deterministic.
	sort.Strings(keys)

	var tags []language.Tag
	var texts []string
	for _, key := range keys {
		tag, err := language.Parse(key)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		texts = append(texts, p.Description[key])
	}
	if len(tags) == 0 {
		return ""
	}

	matcher := language.NewMatcher(tags)
	requested, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		requested = language.AmericanEnglish
	}
	_, index, _ := matcher.Match(requested)
	return texts[index]
}
