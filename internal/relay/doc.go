// Package relay keeps one SOCKS5 UDP relay worker per intercepted local
// endpoint.
//
// Workers are created lazily on the first datagram for a local ID and are
// shared by every later send and receive on that endpoint, so the proxy
// sees one stable source for the whole flow.
//
// # Lifecycle
//
//  1. The first GetOrCreate for a local ID performs UDP ASSOCIATE
//  2. Concurrent first callers wait for that single association
//  3. A worker closed directly unregisters itself
//  4. A worker whose control connection the proxy dropped stays registered
//     in the lost state until Remove, so the flow keeps failing fast
//  5. Remove (endpoint closed) or idle expiry closes and forgets the worker;
//     a Remove during the first association closes that worker on arrival
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package relay
