package rotation

import "fmt"

// descriptionText renders the human-readable problem report text for a
// reason code, keyed by locale tag. en is the base locale; other locales are
// best-effort and peers fall back through LocalizedDescription.
func descriptionText(code, did string) map[string]string {
	switch code {
	case ProblemCodeUnresolvable:
		return map[string]string{
			"en": fmt.Sprintf("DID %s could not be resolved", did),
			"es": fmt.Sprintf("No se pudo resolver el DID %s", did),
			"fr": fmt.Sprintf("Le DID %s n'a pas pu être résolu", did),
		}
	case ProblemCodeMethodUnsupported:
		return map[string]string{
			"en": fmt.Sprintf("DID method of %s is not supported", did),
			"es": fmt.Sprintf("El método del DID %s no es compatible", did),
			"fr": fmt.Sprintf("La méthode du DID %s n'est pas prise en charge", did),
		}
	default:
		return map[string]string{
			"en": fmt.Sprintf("rotation to %s failed: %s", did, code),
		}
	}
}
