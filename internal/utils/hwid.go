package utils

import (
	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

// HWID identifies this machine to the remote without exposing the raw
// machine id. Hosts without one get a random id per process.
var HWID = hwid()

func hwid() string {
	id, err := machineid.ProtectedID("drivesync")
	if err != nil || id == "" {
		return uuid.NewString()
	}
	return id
}
