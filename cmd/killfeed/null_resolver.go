package killfeed

import "killfeed/internal/universe"

// nullResolver is the universe.Resolver used when static data failed to
// load: every lookup reports an unresolvable miss, which the evaluator's
// clause semantics already treat as "can't confirm, don't match" for
// requires and "can't confirm, don't exclude" for excludes.
type nullResolver struct{}

func (nullResolver) SolarSystem(int64) (universe.SystemInfo, bool)  { return universe.SystemInfo{}, false }
func (nullResolver) Route(int64, int64) (int, bool)                 { return 0, false }
func (nullResolver) DistanceLY(int64, int64) (float64, bool)        { return 0, false }
func (nullResolver) ShipType(int64) (universe.ShipTypeInfo, bool)   { return universe.ShipTypeInfo{}, false }
func (nullResolver) ShipGroupName(int64) (string, bool)             { return "", false }
