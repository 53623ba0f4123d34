package capnp

// Client is the capability-table entry type: a handle to a capability,
// local or remote. The rpc package's connections and the capnp package's
// capability-pointer plumbing share this minimal interface so that capnp
// itself never depends on rpc (the dependency runs the other way).
type Client interface {
	// String returns a short label for logging (§ ambient logging).
	String() string
}
