package healthsdk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/careforge/healthlink/pkg/wire"
)

// Platform method names on the XML channel.
const (
	methodNewApplicationCreationInfo = "NewApplicationCreationInfo"
	methodGetServiceDefinition       = "GetServiceDefinition"
	methodGetPersonInfo              = "GetPersonInfo"
	methodCreateSessionToken         = "CreateAuthenticatedSessionToken"
)

// fetchApplicationCreationInfo performs the anonymous bootstrap call that
// registers a new application instance under the master application.
func (c *Connection) fetchApplicationCreationInfo(ctx context.Context) (*ApplicationCreationInfo, error) {
	resp, err := c.callMethod(ctx, methodCall{
		method:    methodNewApplicationCreationInfo,
		version:   "1",
		appID:     c.cfg.MasterAppID.String(),
		anonymous: true,
	})
	if err != nil {
		return nil, err
	}

	appID, err := requiredUUID(resp.Info, "app-id")
	if err != nil {
		return nil, err
	}
	sharedSecret, err := requiredText(resp.Info, "shared-secret")
	if err != nil {
		return nil, err
	}
	token, err := requiredText(resp.Info, "app-token")
	if err != nil {
		return nil, err
	}

	return &ApplicationCreationInfo{
		AppInstanceID: appID,
		SharedSecret:  sharedSecret,
		CreationToken: token,
	}, nil
}

// resolveServiceInstance looks the Shell-returned environment instance id up
// in the platform's service directory.
func (c *Connection) resolveServiceInstance(ctx context.Context, instanceID string) (*ServiceInstance, error) {
	resp, err := c.callMethod(ctx, methodCall{
		method:    methodGetServiceDefinition,
		version:   "2",
		appID:     c.cfg.MasterAppID.String(),
		anonymous: true,
	})
	if err != nil {
		return nil, err
	}
	if resp.Info == nil {
		return nil, errors.New("healthsdk: service directory response has no info")
	}

	for _, el := range resp.Info.FindElements(".//instance") {
		if childText(el, "id") != instanceID {
			continue
		}
		return &ServiceInstance{
			ID:          instanceID,
			Name:        childText(el, "name"),
			Description: childText(el, "description"),
			PlatformURL: childText(el, "platform-url"),
			ShellURL:    childText(el, "shell-url"),
		}, nil
	}
	return nil, fmt.Errorf("healthsdk: service directory has no instance %q", instanceID)
}

// fetchPersonInfo loads the authenticated person's profile over the session
// credential.
func (c *Connection) fetchPersonInfo(ctx context.Context) (*PersonInfo, error) {
	cred := c.currentSessionCredential()
	if cred == nil {
		return nil, ErrNotAuthenticated
	}

	resp, err := c.callMethod(ctx, methodCall{
		method:      methodGetPersonInfo,
		version:     "1",
		authSession: &wire.AuthSession{AuthToken: cred.Token},
		authSecret:  cred.SharedSecret,
	})
	if err != nil {
		return nil, err
	}

	var personEl *etree.Element
	if resp.Info != nil {
		personEl = resp.Info.FindElement("./person-info")
	}
	if personEl == nil {
		return nil, errors.New("healthsdk: person response has no person-info")
	}
	personID, err := requiredUUID(personEl, "person-id")
	if err != nil {
		return nil, err
	}

	person := &PersonInfo{
		PersonID: personID,
		Name:     childText(personEl, "name"),
	}
	for _, rec := range personEl.FindElements("./record") {
		id, err := uuid.Parse(rec.SelectAttrValue("id", ""))
		if err != nil {
			return nil, fmt.Errorf("healthsdk: record id: %w", err)
		}
		person.AuthorizedRecords = append(person.AuthorizedRecords, id)
	}
	return person, nil
}

func childText(el *etree.Element, tag string) string {
	if child := el.FindElement("./" + tag); child != nil {
		return child.Text()
	}
	return ""
}

func requiredText(el *etree.Element, tag string) (string, error) {
	if el == nil {
		return "", fmt.Errorf("healthsdk: response missing %s", tag)
	}
	text := childText(el, tag)
	if text == "" {
		return "", fmt.Errorf("healthsdk: response missing %s", tag)
	}
	return text, nil
}

func requiredUUID(el *etree.Element, tag string) (uuid.UUID, error) {
	text, err := requiredText(el, tag)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(text)
	if err != nil {
		return uuid.Nil, fmt.Errorf("healthsdk: %s: %w", tag, err)
	}
	return id, nil
}

func parseExpiration(text string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("healthsdk: expiration: %w", err)
	}
	return t.UTC(), nil
}
