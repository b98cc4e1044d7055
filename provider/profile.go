package provider

import (
	"golang.org/x/oauth2"

	"authkit/model"
)

// DefaultOIDCProfile maps standard OpenID Connect claims.
func DefaultOIDCProfile(p Profile, _ *oauth2.Token) (model.User, error) {
	name := p.String("name")
	if name == "" {
		name = p.String("preferred_username")
	}
	return model.User{
		ID:    p.String("sub"),
		Name:  name,
		Email: p.String("email"),
		Image: p.String("picture"),
	}, nil
}

// DefaultOAuthProfile maps the fields most OAuth 2 userinfo endpoints share.
func DefaultOAuthProfile(p Profile, _ *oauth2.Token) (model.User, error) {
	id := p.String("id")
	if id == "" {
		id = p.String("sub")
	}
	name := p.String("name")
	if name == "" {
		name = p.String("login")
	}
	image := p.String("avatar_url")
	if image == "" {
		image = p.String("picture")
	}
	return model.User{ID: id, Name: name, Email: p.String("email"), Image: image}, nil
}
