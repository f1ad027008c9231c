/*
Package types holds the shared data model: buckets and their key helpers,
pairing entry keys, device ownership, operator accounts, shares, and the
rest of the rows the store persists.

The central type is Bucket, the unit of synchronised state. A bucket key
is "kind.id"; the kind decides which helpers and bridge topics apply:

	device.SERIAL              hardware-reported state (sensors, fan, eco)
	shared.SERIAL              state both sides write (setpoints, mode)
	structure.ID               the home: away, postal code, members
	user.ID                    account structure memberships
	device_alert_dialog.SERIAL on-screen prompts (pairing confirmation)

Types here are plain data with JSON tags; behavior lives in the packages
that own the semantics.
*/
package types
