package domain

// Activity is the part of an inbound activity the inbox acts on. Object
// fields are populated from either an embedded object or a bare id.
type Activity struct {
	ID           string
	Type         string
	Actor        string
	ObjectID     string
	ObjectType   string
	ObjectActor  string
	// ObjectTarget is the object of an embedded activity, e.g. the followed
	// actor inside an Undo{Follow}.
	ObjectTarget string
}

const (
	ActivityFollow = "Follow"
	ActivityAccept = "Accept"
	ActivityUndo   = "Undo"
	ActivityDelete = "Delete"
)
