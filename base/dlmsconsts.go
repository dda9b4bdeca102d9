package base

import (
	"fmt"
	"strings"
)

const (
	DlmsVersion = 0x06

	VAANameLN = 0x0007
)

type Authentication byte

const (
	AuthenticationNone     Authentication = 0 // No authentication is used.
	AuthenticationLow      Authentication = 1 // Low authentication is used.
	AuthenticationHighGmac Authentication = 5 // High authentication is used. Password is hashed with GMAC.
)

func (a Authentication) String() string {
	switch a {
	case AuthenticationNone:
		return "none"
	case AuthenticationLow:
		return "low"
	case AuthenticationHighGmac:
		return "high_gmac"
	}
	return fmt.Sprintf("authentication(%d)", byte(a))
}

func ParseAuthentication(s string) (Authentication, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AuthenticationNone, nil
	case "low":
		return AuthenticationLow, nil
	case "high_gmac", "highgmac", "gmac":
		return AuthenticationHighGmac, nil
	}
	return AuthenticationNone, fmt.Errorf("unknown authentication %q", s)
}

// DlmsSecurity is the security control byte policy of protected apdus
type DlmsSecurity byte

const (
	SecurityNone                     DlmsSecurity = 0    // Transport security is not used.
	SecurityAuthentication           DlmsSecurity = 0x10 // Authentication security is used.
	SecurityEncryption               DlmsSecurity = 0x20 // Encryption security is used.
	SecurityAuthenticationEncryption DlmsSecurity = 0x30
)

func (s DlmsSecurity) String() string {
	switch s {
	case SecurityNone:
		return "none"
	case SecurityAuthentication:
		return "authentication"
	case SecurityEncryption:
		return "encryption"
	case SecurityAuthenticationEncryption:
		return "authentication_encryption"
	}
	return fmt.Sprintf("security(%02X)", byte(s))
}

func ParseSecurity(s string) (DlmsSecurity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SecurityNone, nil
	case "authentication":
		return SecurityAuthentication, nil
	case "encryption":
		return SecurityEncryption, nil
	case "authentication_encryption", "authenticationencryption":
		return SecurityAuthenticationEncryption, nil
	}
	return SecurityNone, fmt.Errorf("unknown security %q", s)
}

// SecuritySuite, zero value means no suite, otherwise suite id is Suite-1
type SecuritySuite byte

const (
	SecuritySuiteNone SecuritySuite = 0
	SecuritySuite0    SecuritySuite = 1 // AES-GCM-128
	SecuritySuite1    SecuritySuite = 2 // ECDH-ECDSA-AES-GCM-128-SHA-256
	SecuritySuite2    SecuritySuite = 3 // ECDH-ECDSA-AES-GCM-256-SHA-384
)

// ID is the suite id carried in the low nibble of the security control byte
func (s SecuritySuite) ID() byte {
	if s == SecuritySuiteNone {
		return 0
	}
	return byte(s - 1)
}

func (s SecuritySuite) String() string {
	switch s {
	case SecuritySuiteNone:
		return "none"
	case SecuritySuite0, SecuritySuite1, SecuritySuite2:
		return fmt.Sprintf("suite%d", s.ID())
	}
	return fmt.Sprintf("suite(%d)", byte(s))
}

func ParseSecuritySuite(s string) (SecuritySuite, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SecuritySuiteNone, nil
	case "suite0", "0":
		return SecuritySuite0, nil
	case "suite1", "1":
		return SecuritySuite1, nil
	case "suite2", "2":
		return SecuritySuite2, nil
	}
	return SecuritySuiteNone, fmt.Errorf("unknown security suite %q", s)
}

type InterfaceType byte

const (
	InterfaceHDLC    InterfaceType = 0
	InterfaceWrapper InterfaceType = 1
)

func (i InterfaceType) String() string {
	if i == InterfaceWrapper {
		return "wrapper"
	}
	return "hdlc"
}

func ParseInterfaceType(s string) (InterfaceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hdlc":
		return InterfaceHDLC, nil
	case "wrapper", "tcp", "udp":
		return InterfaceWrapper, nil
	}
	return InterfaceHDLC, fmt.Errorf("unknown interface type %q", s)
}

type AssociationResult byte

const (
	AssociationResultAccepted          AssociationResult = 0
	AssociationResultPermanentRejected AssociationResult = 1
	AssociationResultTransientRejected AssociationResult = 2
)

func (a AssociationResult) String() string {
	switch a {
	case AssociationResultAccepted:
		return "accepted"
	case AssociationResultPermanentRejected:
		return "rejected-permanent"
	case AssociationResultTransientRejected:
		return "rejected-transient"
	}
	return fmt.Sprintf("result(%d)", byte(a))
}

type SourceDiagnostic byte

const (
	SourceDiagnosticNone                                     SourceDiagnostic = 0
	SourceDiagnosticNoReasonGiven                            SourceDiagnostic = 1
	SourceDiagnosticApplicationContextNameNotSupported       SourceDiagnostic = 2
	SourceDiagnosticCallingAPTitleNotRecognized              SourceDiagnostic = 3
	SourceDiagnosticAuthenticationMechanismNameNotRecognized SourceDiagnostic = 11
	SourceDiagnosticAuthenticationMechanismNameRequired      SourceDiagnostic = 12
	SourceDiagnosticAuthenticationFailure                    SourceDiagnostic = 13
	SourceDiagnosticAuthenticationRequired                   SourceDiagnostic = 14
)

func (s SourceDiagnostic) String() string {
	switch s {
	case SourceDiagnosticNone:
		return "none"
	case SourceDiagnosticNoReasonGiven:
		return "no-reason-given"
	case SourceDiagnosticApplicationContextNameNotSupported:
		return "application-context-name-not-supported"
	case SourceDiagnosticCallingAPTitleNotRecognized:
		return "calling-AP-title-not-recognized"
	case SourceDiagnosticAuthenticationMechanismNameNotRecognized:
		return "authentication-mechanism-name-not-recognised"
	case SourceDiagnosticAuthenticationMechanismNameRequired:
		return "authentication-mechanism-name-required"
	case SourceDiagnosticAuthenticationFailure:
		return "authentication-failure"
	case SourceDiagnosticAuthenticationRequired:
		return "authentication-required"
	}
	return fmt.Sprintf("diagnostic(%d)", byte(s))
}

type ApplicationContext byte

const (
	ApplicationContextLNNoCiphering ApplicationContext = 1
	ApplicationContextLNCiphering   ApplicationContext = 3
)

// Conformance block
const (
	ConformanceBlockBlockTransferWithGetOrRead  = 0b000000000001000000000000
	ConformanceBlockBlockTransferWithSetOrWrite = 0b000000000000100000000000
	ConformanceBlockBlockTransferWithAction     = 0b000000000000010000000000
	ConformanceBlockGet                         = 0b000000000000000000010000
	ConformanceBlockSet                         = 0b000000000000000000001000
	ConformanceBlockSelectiveAccess             = 0b000000000000000000000100
	ConformanceBlockAction                      = 0b000000000000000000000001

	ConformanceBlockDefault = ConformanceBlockBlockTransferWithGetOrRead | ConformanceBlockBlockTransferWithSetOrWrite |
		ConformanceBlockBlockTransferWithAction | ConformanceBlockGet | ConformanceBlockSet | ConformanceBlockSelectiveAccess | ConformanceBlockAction
)

type CosemTag byte

const (
	TagInitiateRequest       CosemTag = 1
	TagInitiateResponse      CosemTag = 8
	TagConfirmedServiceError CosemTag = 14
	TagGloInitiateRequest    CosemTag = 33
	TagGloInitiateResponse   CosemTag = 40
	TagAARQ                  CosemTag = 96
	TagAARE                  CosemTag = 97
	TagRLRQ                  CosemTag = 98
	TagRLRE                  CosemTag = 99
	TagGetRequest            CosemTag = 192
	TagSetRequest            CosemTag = 193
	TagActionRequest         CosemTag = 195
	TagGetResponse           CosemTag = 196
	TagSetResponse           CosemTag = 197
	TagActionResponse        CosemTag = 199
	TagGloGetRequest         CosemTag = 200
	TagGloSetRequest         CosemTag = 201
	TagGloActionRequest      CosemTag = 203
	TagGloGetResponse        CosemTag = 204
	TagGloSetResponse        CosemTag = 205
	TagGloActionResponse     CosemTag = 207
	TagExceptionResponse     CosemTag = 216
)

// Glo returns the global ciphering counterpart of a plain xdlms tag or zero.
func (t CosemTag) Glo() CosemTag {
	switch t {
	case TagInitiateRequest:
		return TagGloInitiateRequest
	case TagInitiateResponse:
		return TagGloInitiateResponse
	case TagGetRequest, TagSetRequest, TagActionRequest, TagGetResponse, TagSetResponse, TagActionResponse:
		return t + 8
	}
	return 0
}

type DlmsResultTag byte

const (
	// DataAccessResult
	TagResultSuccess                 DlmsResultTag = 0
	TagResultHardwareFault           DlmsResultTag = 1
	TagResultTemporaryFailure        DlmsResultTag = 2
	TagResultReadWriteDenied         DlmsResultTag = 3
	TagResultObjectUndefined         DlmsResultTag = 4
	TagResultObjectClassInconsistent DlmsResultTag = 9
	TagResultObjectUnavailable       DlmsResultTag = 11
	TagResultTypeUnmatched           DlmsResultTag = 12
	TagResultScopeAccessViolated     DlmsResultTag = 13
	TagResultDataBlockUnavailable    DlmsResultTag = 14
	TagResultLongGetAborted          DlmsResultTag = 15
	TagResultNoLongGetInProgress     DlmsResultTag = 16
	TagResultOtherReason             DlmsResultTag = 250
)

func (s DlmsResultTag) String() string {
	switch s {
	case TagResultSuccess:
		return "success"
	case TagResultHardwareFault:
		return "hardware-fault"
	case TagResultTemporaryFailure:
		return "temporary-failure"
	case TagResultReadWriteDenied:
		return "read-write-denied"
	case TagResultObjectUndefined:
		return "object-undefined"
	case TagResultObjectClassInconsistent:
		return "object-class-inconsistent"
	case TagResultObjectUnavailable:
		return "object-unavailable"
	case TagResultTypeUnmatched:
		return "type-unmatched"
	case TagResultScopeAccessViolated:
		return "scope-of-access-violated"
	case TagResultDataBlockUnavailable:
		return "data-block-unavailable"
	case TagResultLongGetAborted:
		return "long-get-aborted"
	case TagResultNoLongGetInProgress:
		return "no-long-get-in-progress"
	case TagResultOtherReason:
		return "other-reason"
	default:
		return fmt.Sprintf("result(%d)", byte(s))
	}
}
