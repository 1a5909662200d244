package service

import "errors"

var (
	ErrAccessDenied           = errors.New("org does not control this group")
	ErrNotElevated            = errors.New("actor is not an owner or admin of the org")
	ErrNotOrgMember           = errors.New("actor is not a member of the org")
	ErrGroupNotFound          = errors.New("group not found")
	ErrMappingNotFound        = errors.New("mapping not found")
	ErrGroupInactive          = errors.New("group bot is inactive")
	ErrConcurrentModification = errors.New("mapping was modified concurrently")
	ErrPlatformUnavailable    = errors.New("messaging platform unavailable")
)
