package empire

import "github.com/coachpo/empirekit/errs"

var errSocketDisabled = errs.New("empire", errs.CodeUnavailable, errs.WithMessage("client built without socket"))
