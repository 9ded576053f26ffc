package storage

// Storage is the capability set every backend offers: the LSM engine, the
// in-memory maps and the embedded leveldb store are interchangeable behind
// it.
type Storage interface {
	// Insert sets key to value, overwriting any previous value.
	Insert(key, value string) error
	// Get returns the value of key; found is false when the key is absent.
	Get(key string) (value string, found bool, err error)
	// Remove deletes key. It returns ErrKeyNotFound when the key is absent.
	Remove(key string) error
}

type Op uint8

const (
	OpSet    Op = 1
	OpRemove Op = 2
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// LogEntry is one operation of the small-log. Value is empty for OpRemove.
type LogEntry struct {
	Op    Op
	Key   string
	Value string
}

func SetEntry(key, value string) LogEntry {
	return LogEntry{Op: OpSet, Key: key, Value: value}
}

func RemoveEntry(key string) LogEntry {
	return LogEntry{Op: OpRemove, Key: key}
}

// IndexRecord is a live key/value pair of the large-index.
type IndexRecord struct {
	Key   string
	Value string
}
