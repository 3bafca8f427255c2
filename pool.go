package activedirectory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// PoolStats provides statistics about a backend's connection pool.
type PoolStats struct {
	Total   int           // Total connections
	Active  int64         // Active (in-use) connections
	Idle    int           // Idle connections
	Created int64         // Total connections created
	Errors  int64         // Total connection errors
	Uptime  time.Duration // Pool uptime
}

// pooledConnection is a single directory connection owned by the pool.
// Close returns it to the pool rather than tearing it down.
type pooledConnection struct {
	conn          *ldap.Conn
	lastUsed      time.Time
	healthy       bool
	authenticated bool
	authTime      time.Time
	serverInfo    *ServerInfo
	returnToPool  func(*pooledConnection)
}

// Close hands the connection back to its pool.
func (pc *pooledConnection) Close() {
	if pc.returnToPool != nil {
		pc.returnToPool(pc)
	}
}

func (pc *pooledConnection) Conn() *ldap.Conn {
	return pc.conn
}

func (pc *pooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}

// maxAuthAge bounds how long a bind is trusted before the connection is
// re-authenticated on checkout.
const maxAuthAge = 5 * time.Minute

// connectionPool maintains a bounded set of authenticated connections to
// the discovered servers. Connections are recycled through a channel;
// checkout prefers a healthy idle connection and dials a fresh one
// otherwise.
type connectionPool struct {
	config      *Config
	log         Logger
	servers     []*ServerInfo
	connections chan *pooledConnection
	mu          sync.RWMutex
	closed      bool
	discovery   *srvDiscovery

	// Statistics
	activeConns  int64
	totalCreated int64
	totalErrors  int64
	startTime    time.Time

	// Health checking
	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

// newConnectionPool discovers servers and prepares an empty pool. No
// connections are dialed until the first checkout.
func newConnectionPool(config *Config) (*connectionPool, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := config.logger()
	pool := &connectionPool{
		config:      config,
		log:         log,
		connections: make(chan *pooledConnection, config.MaxConnections),
		discovery:   newSRVDiscovery(log),
		startTime:   time.Now(),
		healthStop:  make(chan struct{}),
	}

	if err := pool.discoverServers(); err != nil {
		return nil, fmt.Errorf("server discovery failed: %w", err)
	}

	if config.HealthCheck > 0 {
		pool.startHealthChecker()
	}

	return pool, nil
}

// discoverServers resolves the target server list, preferring explicitly
// configured URLs over SRV discovery.
func (p *connectionPool) discoverServers() error {
	var servers []*ServerInfo

	switch {
	case len(p.config.URLs) > 0:
		for _, url := range p.config.URLs {
			server, err := ParseLDAPURL(url)
			if err != nil {
				return fmt.Errorf("invalid LDAP URL %s: %w", url, err)
			}
			servers = append(servers, server)
		}

	case p.config.Domain != "":
		ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
		defer cancel()

		discovered, err := p.discovery.DiscoverServers(ctx, p.config.Domain)
		if err != nil {
			return fmt.Errorf("SRV discovery failed: %w", err)
		}
		servers = discovered

	default:
		return errors.New("either domain or LDAP URLs must be specified")
	}

	if len(servers) == 0 {
		return errors.New("no servers discovered")
	}

	p.mu.Lock()
	p.servers = servers
	p.mu.Unlock()

	p.log.Debug("directory servers resolved", map[string]any{
		"server_count": len(servers),
		"first_server": ServerInfoToURL(servers[0]),
	})

	return nil
}

// Get checks out a connection, reusing a healthy idle one when available
// and dialing otherwise.
func (p *connectionPool) Get(ctx context.Context) (*pooledConnection, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.New("connection pool is closed")
	}
	p.mu.RUnlock()

	select {
	case conn := <-p.connections:
		if p.isConnectionHealthy(conn) {
			if p.config.HasAuthentication() && p.needsReAuthentication(conn) {
				if err := p.authenticateConnection(conn); err != nil {
					p.closeConnection(conn)
					break
				}
			}
			conn.lastUsed = time.Now()
			atomic.AddInt64(&p.activeConns, 1)
			return conn, nil
		}
		p.closeConnection(conn)
	default:
	}

	return p.createConnection(ctx)
}

// createConnection dials a fresh connection, cycling through all known
// servers with exponential backoff between full passes.
func (p *connectionPool) createConnection(ctx context.Context) (*pooledConnection, error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		for _, server := range p.servers {
			conn, err := p.createSingleConnection(server)
			if err != nil {
				lastErr = err
				atomic.AddInt64(&p.totalErrors, 1)
				continue
			}

			atomic.AddInt64(&p.totalCreated, 1)
			atomic.AddInt64(&p.activeConns, 1)
			return conn, nil
		}

		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
			}
		}
	}

	return nil, &DirectoryError{
		Operation: "connect",
		Category:  ErrorCategoryConnection,
		Message:   "failed to create connection after retries",
		Retryable: true,
		Cause:     lastErr,
	}
}

// createSingleConnection dials and authenticates one server.
func (p *connectionPool) createSingleConnection(server *ServerInfo) (*pooledConnection, error) {
	url := ServerInfoToURL(server)

	var conn *ldap.Conn
	var err error

	if server.UseTLS {
		conn, err = ldap.DialURL(url, ldap.DialWithTLSConfig(p.config.TLSConfig))
	} else {
		conn, err = ldap.DialURL(url)
		if err == nil && p.config.UseTLS && !p.config.SkipTLS {
			err = conn.StartTLS(p.config.TLSConfig)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	conn.SetTimeout(p.config.Timeout)

	pooledConn := &pooledConnection{
		conn:         conn,
		lastUsed:     time.Now(),
		healthy:      true,
		serverInfo:   server,
		returnToPool: p.returnConnection,
	}

	if p.config.HasAuthentication() {
		if err := p.authenticateConnection(pooledConn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to authenticate connection to %s: %w", url, err)
		}
	}

	return pooledConn, nil
}

// authenticateConnection binds a connection using the configured method.
func (p *connectionPool) authenticateConnection(pooledConn *pooledConnection) error {
	if pooledConn == nil || pooledConn.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	var err error
	switch method := p.config.AuthMethod(); method {
	case AuthMethodSimpleBind:
		if p.config.Username == "" {
			return fmt.Errorf("username is required for simple bind authentication")
		}
		err = pooledConn.conn.Bind(p.config.Username, p.config.Password)
	case AuthMethodKerberos:
		err = performKerberosAuth(pooledConn.conn, p.config, pooledConn.serverInfo, p.log)
	case AuthMethodExternal:
		err = pooledConn.conn.Bind("", "")
	default:
		return fmt.Errorf("unsupported authentication method: %s", method)
	}

	if err != nil {
		pooledConn.authenticated = false
		pooledConn.authTime = time.Time{}
		return err
	}

	pooledConn.authenticated = true
	pooledConn.authTime = time.Now()

	return nil
}

// needsReAuthentication reports whether a checkout must re-bind first.
func (p *connectionPool) needsReAuthentication(conn *pooledConnection) bool {
	if conn == nil || !conn.authenticated {
		return true
	}

	return time.Since(conn.authTime) > maxAuthAge
}

// returnConnection recycles a connection into the pool, closing it when
// the pool is full, closed, or the connection has aged out.
func (p *connectionPool) returnConnection(conn *pooledConnection) {
	if conn == nil {
		return
	}

	atomic.AddInt64(&p.activeConns, -1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.closeConnection(conn)
		return
	}

	if p.isConnectionHealthy(conn) && time.Since(conn.lastUsed) < p.config.MaxIdleTime {
		select {
		case p.connections <- conn:
		default:
			p.closeConnection(conn)
		}
	} else {
		p.closeConnection(conn)
	}
}

func (p *connectionPool) isConnectionHealthy(conn *pooledConnection) bool {
	if conn == nil || conn.conn == nil || !conn.healthy {
		return false
	}

	if time.Since(conn.lastUsed) > p.config.MaxIdleTime {
		return false
	}

	if p.config.HasAuthentication() && !conn.authenticated {
		return false
	}

	return true
}

func (p *connectionPool) closeConnection(conn *pooledConnection) {
	if conn != nil && conn.conn != nil {
		conn.conn.Close()
		conn.healthy = false
		conn.authenticated = false
		conn.authTime = time.Time{}
	}
}

// Close shuts the pool down and closes every idle connection. Checked-out
// connections close when returned.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	close(p.connections)
	for conn := range p.connections {
		p.closeConnection(conn)
	}

	return nil
}

// Stats returns a snapshot of pool counters.
func (p *connectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return PoolStats{
		Total:   len(p.connections),
		Active:  atomic.LoadInt64(&p.activeConns),
		Idle:    len(p.connections),
		Created: atomic.LoadInt64(&p.totalCreated),
		Errors:  atomic.LoadInt64(&p.totalErrors),
		Uptime:  time.Since(p.startTime),
	}
}

// startHealthChecker launches the periodic idle-connection prober.
func (p *connectionPool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)

	p.healthWg.Add(1)
	go func() {
		defer p.healthWg.Done()
		for {
			select {
			case <-p.healthTicker.C:
				p.performHealthCheck()
			case <-p.healthStop:
				return
			}
		}
	}()
}

// performHealthCheck probes up to three idle connections, returning the
// live ones and discarding the rest.
func (p *connectionPool) performHealthCheck() {
	var toCheck []*pooledConnection

healthCheckLoop:
	for i := 0; i < 3; i++ {
		select {
		case conn := <-p.connections:
			toCheck = append(toCheck, conn)
		default:
			break healthCheckLoop
		}
	}

	// Probed connections were never checked out, so they go straight back
	// on the channel rather than through returnConnection's accounting.
	for _, conn := range toCheck {
		if !p.testConnection(conn) {
			p.closeConnection(conn)
			continue
		}
		select {
		case p.connections <- conn:
		default:
			p.closeConnection(conn)
		}
	}
}

// testConnection verifies a connection with a minimal RootDSE read,
// re-binding first when the authentication has aged out.
func (p *connectionPool) testConnection(conn *pooledConnection) bool {
	if conn == nil || conn.conn == nil {
		return false
	}

	if p.config.HasAuthentication() && p.needsReAuthentication(conn) {
		if err := p.authenticateConnection(conn); err != nil {
			return false
		}
	}

	searchReq := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 0, false,
		"(objectClass=*)",
		[]string{"defaultNamingContext"},
		nil,
	)

	if _, err := conn.conn.Search(searchReq); err != nil {
		conn.authenticated = false
		conn.authTime = time.Time{}
		return false
	}

	return true
}
