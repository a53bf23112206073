// Package market implements the peer-to-peer energy trading marketplace
// hosted by the gridmarket ledger.
//
// A provider lists an energy offer, buyers bid, the provider selects one
// buyer, the buyer escrows payment, the provider attests delivery and funds
// release on the buyer's confirmation. Disagreements route through an
// admin-arbitrated dispute path. Every entry point applies as a single atomic
// host transaction: either all of its state mutations commit or none do.
//
// Authorization is capability based. Creating an offer mints exactly one
// provider capability bound to the offer identifier; a single admin
// capability is minted once at bootstrap. Capabilities are bearer tokens:
// possession is authorization, and a capability check is always the first
// guard an operation evaluates.
package market
