// README: Subscriber group identifiers for rides and drivers.
package fanout

import "siren/internal/types"

type Group string

func RideGroup(id types.ID) Group {
	return Group("ride:" + string(id))
}

func DriverGroup(id types.ID) Group {
	return Group("driver:" + string(id))
}
