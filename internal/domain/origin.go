package domain

type OriginKind int

const (
	OriginIrrelevant OriginKind = iota
	OriginLocal
	OriginFederated
)

func (k OriginKind) String() string {
	switch k {
	case OriginLocal:
		return "local"
	case OriginFederated:
		return "federated"
	default:
		return "irrelevant"
	}
}

// EntityOrigin tags where an entity is expected to live. Local origins must
// additionally be proven authoritative before the entity is exposed. The
// fields are unexported so an origin cannot be rewritten after construction.
type EntityOrigin struct {
	kind   OriginKind
	domain string
}

func LocalOrigin(domain string) EntityOrigin {
	return EntityOrigin{kind: OriginLocal, domain: domain}
}

func FederatedOrigin(domain string) EntityOrigin {
	return EntityOrigin{kind: OriginFederated, domain: domain}
}

func IrrelevantOrigin(domain string) EntityOrigin {
	return EntityOrigin{kind: OriginIrrelevant, domain: domain}
}

func (o EntityOrigin) Kind() OriginKind { return o.kind }
func (o EntityOrigin) Domain() string   { return o.domain }
func (o EntityOrigin) IsLocal() bool    { return o.kind == OriginLocal }

func (o EntityOrigin) String() string {
	return o.kind.String() + "(" + o.domain + ")"
}
