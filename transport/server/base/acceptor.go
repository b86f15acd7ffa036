package base

// Acceptor receives every newly created session channel so the bridge can
// start its pumps. The adapter keeps ownership of the session lifecycle;
// the acceptor holds only the channel contract.
type Acceptor func(session *Session)
