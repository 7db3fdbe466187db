package rocketdata

import "errors"

var ErrNilModel = errors.New("[rocketdata] nil model submitted")
var ErrDeleteAnonymous = errors.New("[rocketdata] cannot delete a model without an identity")
var ErrWrongMappedType = errors.New("[rocketdata] MapChildren changed the concrete type")
var ErrClosed = errors.New("[rocketdata] the manager is closed")
