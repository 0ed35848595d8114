// Package meshnode implements a peer-to-peer overlay node.
//
// A node joins Kademlia DHT realms over IPv4, IPv6, Tor and every local
// subnet to announce and find peers by network ID, and keeps multiplexed
// links to other nodes. Each link carries many logical channels. A node
// that cannot be dialed registers with relays, and peers reach it through
// a tunnel across the relay.
//
// Example:
//
//	options := meshnode.NewOptions()
//	options.PublicIPv4 = "203.0.113.10"
//	options.BootstrapNodes = []string{"198.51.100.1:33445"}
//
//	node, err := meshnode.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	node.OnChannel(func(c *mux.Connection, ch *mux.Channel) {
//	    io.Copy(ch, ch)
//	})
//	if err := node.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
//	network := identity.Hash([]byte("chat"), identity.Size256)
//	node.Announce(ctx, network)
//	peers, err := node.FindPeers(ctx, network)
//	for _, ep := range peers {
//	    c, err := node.Connect(ctx, ep)
//	    if err != nil {
//	        continue
//	    }
//	    ch, err := node.OpenChannel(ctx, c, network)
//	    // ...
//	}
package meshnode
