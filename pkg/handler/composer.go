package handler

// StoreComposer represents a composable data store. It consists of the core
// data store and optional extensions. Please consult the package's
// documentation for a more detailed information about how to use plugins.
type StoreComposer struct {
	Core DataStore

	UsesTerminater     bool
	Terminater         TerminaterDataStore
	UsesLengthDeferrer bool
	LengthDeferrer     LengthDeferrerDataStore
	UsesLocker         bool
	Locker             Locker
}

// NewStoreComposer creates a new and empty store composer.
func NewStoreComposer() *StoreComposer {
	return &StoreComposer{}
}

// Capabilities returns a string representing the provided extensions in a
// human-readable format meant for debugging.
func (store *StoreComposer) Capabilities() string {
	str := "Core: "

	if store.Core != nil {
		str += "✓"
	} else {
		str += "✗"
	}

	str += ` Terminater: `
	if store.UsesTerminater {
		str += "✓"
	} else {
		str += "✗"
	}
	str += ` LengthDeferrer: `
	if store.UsesLengthDeferrer {
		str += "✓"
	} else {
		str += "✗"
	}
	str += ` Locker: `
	if store.UsesLocker {
		str += "✓"
	} else {
		str += "✗"
	}

	return str
}

// UseCore will set the used core data store. If the argument is nil, the
// property will be unset.
func (store *StoreComposer) UseCore(core DataStore) {
	store.Core = core
}

func (store *StoreComposer) UseTerminater(x TerminaterDataStore) {
	store.UsesTerminater = x != nil
	store.Terminater = x
}

func (store *StoreComposer) UseLengthDeferrer(x LengthDeferrerDataStore) {
	store.UsesLengthDeferrer = x != nil
	store.LengthDeferrer = x
}

func (store *StoreComposer) UseLocker(x Locker) {
	store.UsesLocker = x != nil
	store.Locker = x
}
