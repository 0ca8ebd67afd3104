package intent

import "strings"

// DefaultSessionPrefix namespaces conversations coming from the WhatsApp bridge.
const DefaultSessionPrefix = "meta-whatsapp"

var sessionCleaner = strings.NewReplacer("+", "", "-", "", " ", "")

// BuildSessionID derives a stable conversation id from a user id, so that
// repeated messages from one sender share agent context.
func BuildSessionID(prefix, userID string) string {
	return prefix + "-" + sessionCleaner.Replace(userID)
}
