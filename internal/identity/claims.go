package identity

// LTI 1.3 claim names.
const (
	ClaimMessageType        = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion            = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID       = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimRoles              = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimResourceLink       = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimContext            = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimLaunchPresentation = "https://purl.imsglobal.org/spec/lti/claim/launch_presentation"
	ClaimAGSEndpoint        = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"

	MessageTypeResourceLink = "LtiResourceLinkRequest"
	LTIVersion              = "1.3.0"

	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
)

type ResourceLinkClaim struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type ContextClaim struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	Title string   `json:"title,omitempty"`
	Type  []string `json:"type,omitempty"`
}

type LaunchPresentationClaim struct {
	DocumentTarget string `json:"document_target,omitempty"`
	ReturnURL      string `json:"return_url,omitempty"`
	Locale         string `json:"locale,omitempty"`
	Height         int    `json:"height,omitempty"`
	Width          int    `json:"width,omitempty"`
}

type ToolPlatformClaim struct {
	GUID        string `json:"guid,omitempty"`
	Name        string `json:"name,omitempty"`
	FamilyCode  string `json:"family_code,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

// AGSEndpointClaim advertises the Assignment and Grade Services endpoints for the launch.
type AGSEndpointClaim struct {
	Scope     []string `json:"scope,omitempty"`
	LineItems string   `json:"lineitems,omitempty"`
	LineItem  string   `json:"lineitem,omitempty"`
}

// LaunchClaims is the validated claim set of an LTI resource link launch.
type LaunchClaims struct {
	Issuer     string   `json:"iss"`
	Subject    string   `json:"sub"`
	Audience   []string `json:"aud"`
	AZP        string   `json:"azp,omitempty"`
	Nonce      string   `json:"nonce"`
	IssuedAt   int64    `json:"iat"`
	ExpiresAt  int64    `json:"exp"`
	Name       string   `json:"name,omitempty"`
	GivenName  string   `json:"given_name,omitempty"`
	FamilyName string   `json:"family_name,omitempty"`
	Email      string   `json:"email,omitempty"`

	MessageType        string                   `json:"https://purl.imsglobal.org/spec/lti/claim/message_type"`
	Version            string                   `json:"https://purl.imsglobal.org/spec/lti/claim/version"`
	DeploymentID       string                   `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id"`
	TargetLinkURI      string                   `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri,omitempty"`
	Roles              []string                 `json:"https://purl.imsglobal.org/spec/lti/claim/roles"`
	ResourceLink       ResourceLinkClaim        `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link"`
	Context            *ContextClaim            `json:"https://purl.imsglobal.org/spec/lti/claim/context,omitempty"`
	LaunchPresentation *LaunchPresentationClaim `json:"https://purl.imsglobal.org/spec/lti/claim/launch_presentation,omitempty"`
	ToolPlatform       *ToolPlatformClaim       `json:"https://purl.imsglobal.org/spec/lti/claim/tool_platform,omitempty"`
	AGS                *AGSEndpointClaim        `json:"https://purl.imsglobal.org/spec/lti-ags/claim/endpoint,omitempty"`
}

// ClientID returns the audience entry identifying this tool.
func (c *LaunchClaims) ClientID() string {
	if c.AZP != "" {
		return c.AZP
	}
	if len(c.Audience) > 0 {
		return c.Audience[0]
	}
	return ""
}

// ReturnURL is where the user goes back to on the Platform, empty when not provided.
func (c *LaunchClaims) ReturnURL() string {
	if c.LaunchPresentation == nil {
		return ""
	}
	return c.LaunchPresentation.ReturnURL
}

// CanPostScore reports whether the launch grants a line item and the score scope.
func (c *LaunchClaims) CanPostScore() bool {
	if c.AGS == nil || c.AGS.LineItem == "" {
		return false
	}
	for _, s := range c.AGS.Scope {
		if s == ScopeScore {
			return true
		}
	}
	return false
}

// ServiceScopes returns the AGS scopes the Platform granted for this launch.
func (c *LaunchClaims) ServiceScopes() []string {
	if c.AGS == nil {
		return nil
	}
	return append([]string(nil), c.AGS.Scope...)
}
