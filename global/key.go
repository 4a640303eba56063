package global

// Storage keys are role-prefixed so client and operator state never collide
// in a shared storage area.

func SnapshotKey(role string) string {
	return role + ":session"
}

func IdentityKey(role string) string {
	return role + ":identity"
}

// GetJwtSecret returns the HS256 secret shared with the stub gateway.
// A production deployment never verifies tokens client-side; the widget only
// inspects expiry, and the secret lives with the backend.
func GetJwtSecret() []byte {
	return []byte("mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o=")
}
