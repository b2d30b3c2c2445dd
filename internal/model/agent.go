package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// Agent is one registered endpoint of the messaging service. The session
	// key is the compressed public key the agent presented on its most recent
	// connection; it identifies the agent but never decrypts anything.
	Agent struct {
		ID         primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		Handle     string             `bson:"handle" json:"handle"`
		SessionKey []byte             `bson:"session_key" json:"session_key"`
		LastSeen   time.Time          `bson:"last_seen" json:"last_seen"`
	}
)
