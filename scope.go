package changestream

import (
	"fmt"
	"strings"
)

// maxNameLength is the longest database or collection name accepted, in bytes.
const maxNameLength = 139

// adminDatabase is where deployment-wide streams are opened.
const adminDatabase = "admin"

// Scope is the breadth of operations a change stream observes.
// It is one of CollectionScope, DatabaseScope or DeploymentScope.
type Scope interface {
	fmt.Stringer

	// database returns the database the aggregate command runs against.
	database() string

	// aggregateTarget returns the value of the aggregate command's first field.
	aggregateTarget() any

	validate() error
}

// CollectionScope watches a single collection.
type CollectionScope struct {
	Database   string
	Collection string
}

// DatabaseScope watches every collection in a database.
type DatabaseScope struct {
	Database string
}

// DeploymentScope watches every database in the deployment.
type DeploymentScope struct{}

func (s CollectionScope) String() string {
	return s.Database + "." + s.Collection
}

func (s CollectionScope) database() string {
	return s.Database
}

func (s CollectionScope) aggregateTarget() any {
	return s.Collection
}

func (s CollectionScope) validate() error {
	if err := validateDatabaseName(s.Database); err != nil {
		return err
	}
	return validateCollectionName(s.Collection)
}

func (s DatabaseScope) String() string {
	return s.Database
}

func (s DatabaseScope) database() string {
	return s.Database
}

func (s DatabaseScope) aggregateTarget() any {
	return int32(1)
}

func (s DatabaseScope) validate() error {
	return validateDatabaseName(s.Database)
}

func (DeploymentScope) String() string {
	return "<deployment>"
}

func (DeploymentScope) database() string {
	return adminDatabase
}

func (DeploymentScope) aggregateTarget() any {
	return int32(1)
}

func (DeploymentScope) validate() error {
	return nil
}

func validateDatabaseName(name string) error {
	if name == "" {
		return &ValidationError{Field: "database", Err: ErrInvalidName}
	}
	if len(name) > maxNameLength {
		return &ValidationError{Field: "database", Err: fmt.Errorf("%w: %d bytes, limit %d", ErrNameTooLong, len(name), maxNameLength)}
	}
	if i := strings.IndexAny(name, "./\\ $\x00"); i >= 0 {
		return &ValidationError{Field: "database", Err: fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, name[i])}
	}
	return nil
}

func validateCollectionName(name string) error {
	if name == "" {
		return &ValidationError{Field: "collection", Err: ErrInvalidName}
	}
	if len(name) > maxNameLength {
		return &ValidationError{Field: "collection", Err: fmt.Errorf("%w: %d bytes, limit %d", ErrNameTooLong, len(name), maxNameLength)}
	}
	if strings.ContainsRune(name, 0) {
		return &ValidationError{Field: "collection", Err: fmt.Errorf("%w: %q contains NUL", ErrInvalidName, name)}
	}
	return nil
}
