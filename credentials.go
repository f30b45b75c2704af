package flowtunnel

import "os"

// AuthTokenHolder is the `ngrokauth` config node. It carries the provider authtoken for any tunnel node that
// references it and never changes once built.
type AuthTokenHolder struct {
	id    string
	name  string
	token string
}

// newAuthTokenHolder reads `credentials.<id>.authtoken`, falling back to the environment variable named by
// `credentials.<id>.authtoken_env` when the token is empty
func newAuthTokenHolder(def NodeDef) *AuthTokenHolder {
	token := def.Credentials.GetString("authtoken", "")
	if token == "" {
		if env := def.Credentials.GetString("authtoken_env", ""); env != "" {
			token = os.Getenv(env)
		}
	}

	return &AuthTokenHolder{id: def.ID, name: def.Name, token: token}
}

func NewAuthTokenHolder(id, token string) *AuthTokenHolder {
	return &AuthTokenHolder{id: id, token: token}
}

func (h *AuthTokenHolder) ID() string {
	return h.id
}

func (h *AuthTokenHolder) AuthToken() string {
	return h.token
}
