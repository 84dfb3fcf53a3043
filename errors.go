package ember

import "errors"

// Errors returned by DB, Tx, Bucket and Cursor operations. These are
// sentinel values so callers can compare with errors.Is.
var (
	// ErrInvalidPageKind is returned when a typed page accessor is called on
	// a page whose on-disk kind tag does not match.
	ErrInvalidPageKind = errors.New("ember: invalid page kind")

	// ErrPageEmpty is returned when a page/node lookup finds neither a
	// backing page nor a cached node for the requested id.
	ErrPageEmpty = errors.New("ember: page has no backing page or node")

	// ErrInodeOverflow is returned when an element count would exceed the
	// 16-bit count field of a non-freelist page, when a node's keys and
	// values do not fit the page buffer being written, or when a page id is
	// freed twice.
	ErrInodeOverflow = errors.New("ember: inode count overflow or double free")

	// ErrInvalidInode is returned when a leaf element is written without a
	// value, or a branch element is written without a child page id.
	ErrInvalidInode = errors.New("ember: invalid inode")

	// ErrBucketExists is returned when CreateBucket is called with a name
	// that already names a key in the parent bucket.
	ErrBucketExists = errors.New("ember: bucket already exists")

	// ErrBucketNotFound is returned when a bucket lookup fails.
	ErrBucketNotFound = errors.New("ember: bucket not found")

	// ErrBucketNameRequired is returned when creating a bucket with an
	// empty name.
	ErrBucketNameRequired = errors.New("ember: bucket name required")

	// ErrKeyRequired is returned when Put is called with an empty key.
	ErrKeyRequired = errors.New("ember: key required")

	// ErrIncompatibleValue is returned when trying to use a key as both a
	// bucket and a plain value, or operate on a bucket as a regular value.
	ErrIncompatibleValue = errors.New("ember: incompatible value")

	// ErrTxReadOnly is returned when a mutating call is made on a read-only
	// transaction.
	ErrTxReadOnly = errors.New("ember: tx is read-only")

	// ErrTxClosed is returned when a method is called on a transaction that
	// has already committed or rolled back.
	ErrTxClosed = errors.New("ember: tx closed")

	// ErrTxNotWritable is returned on Commit of a non-writable transaction.
	ErrTxNotWritable = errors.New("ember: tx not writable")

	// ErrWriterInUse is returned when Begin(true) is called while a writer
	// transaction is already open.
	ErrWriterInUse = errors.New("ember: writer transaction already in use")

	// ErrTxInvalidated names the case of a transaction used after its
	// owning store has been closed. No operation returns it: DB.Close does
	// not mark open transactions, and they are not checked for it.
	ErrTxInvalidated = errors.New("ember: tx invalidated, store closed")

	// ErrCorrupt is returned when no valid meta page can be found, a
	// checksum fails to verify, or an on-disk structure fails to decode.
	ErrCorrupt = errors.New("ember: database file is corrupt")

	// ErrDatabaseNotOpen is returned when Open is asked to open an empty
	// (new) file read-only, and when Begin(true) is called on a DB opened
	// read-only. Use of a DB after Close is not checked for.
	ErrDatabaseNotOpen = errors.New("ember: database not open")

	// ErrDatabaseOpen names the case of opening an already-open DB value.
	// No operation returns it: Open is a package function that always
	// builds a new DB.
	ErrDatabaseOpen = errors.New("ember: database already open")

	// ErrInvalidOptions is returned when Options fail validation (page size
	// not a power of two, below the minimum, etc).
	ErrInvalidOptions = errors.New("ember: invalid options")

	// ErrManagedTx is returned when Commit/Rollback is called manually
	// inside an Update/View callback.
	ErrManagedTx = errors.New("ember: managed tx commit/rollback not allowed")
)
