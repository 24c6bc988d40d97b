// Package all registers every ledger backend with the ledger factory.
package all

import (
	_ "cdnswitch/internal/ledger/mssql"
	_ "cdnswitch/internal/ledger/postgres"
	_ "cdnswitch/internal/ledger/sqlite"
)
