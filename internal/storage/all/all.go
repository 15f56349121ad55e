// Package all registers every storage backend with the storage registry.
package all

import (
	_ "snapetl/internal/storage/mssql"
	_ "snapetl/internal/storage/postgres"
	_ "snapetl/internal/storage/sqlite"
)
