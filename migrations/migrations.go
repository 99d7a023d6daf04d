package migrations

import (
	"github.com/AvaProtocol/ap-wallet/core/migrator"
)

// Migrations run once per database, in order. Names are prefixed with
// YYYYMMDD-HHMMSS so the applied markers sort chronologically.
var Migrations = []migrator.Migration{
	{
		Name:     "20261019-120000-release-settled-gates",
		Function: ReleaseSettledGates,
	},
}
