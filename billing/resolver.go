package billing

import (
	"context"
	"fmt"

	"github.com/postwise/postwise/account"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

// ErrIdentityUnresolved is returned when a checkout completion carries no
// derivable internal account. The event is acknowledged to the processor but
// its effect is dropped; operators reconcile manually.
var ErrIdentityUnresolved = fmt.Errorf("no account could be resolved for checkout")

// AccountDirectory is the slice of account.Manager the resolver needs
type AccountDirectory interface {
	GetByID(ctx context.Context, id string) (*account.Account, error)
	GetByEmail(ctx context.Context, email string) (*account.Account, error)
	Create(ctx context.Context, email string) (*account.Account, error)
}

var _ AccountDirectory = (*account.Manager)(nil)

// CustomerRetriever looks up the email on file for a processor customer,
// used when the checkout session itself carries no purchaser email
type CustomerRetriever interface {
	RetrieveCustomer(ctx context.Context, customerID string) (string, error)
}

type stripeRetriever struct {
	api *client.API
}

// NewStripeRetriever returns a CustomerRetriever backed by the Stripe API
func NewStripeRetriever(api *client.API) CustomerRetriever {
	return &stripeRetriever{api: api}
}

func (s *stripeRetriever) RetrieveCustomer(ctx context.Context, customerID string) (string, error) {
	cust, err := s.api.Customers.Get(customerID, &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
	})
	if err != nil {
		return "", err
	}
	return cust.Email, nil
}

// resolveAccount maps a checkout session to an internal account id.
// Precedence: the client reference set at checkout initiation always wins;
// otherwise the purchaser email (from the session, then from the processor's
// customer record) is looked up and an account is created on demand.
func (rec *Reconciler) resolveAccount(ctx context.Context, sess *CheckoutSession) (string, error) {
	logger := rec.Logger.With(zap.String("SessionID", sess.ID))

	if len(sess.ClientReferenceID) > 0 {
		acct, err := rec.Accounts.GetByID(ctx, sess.ClientReferenceID)
		if err != nil {
			return "", err
		}
		if acct != nil {
			return acct.ID, nil
		}
		logger.Warn("Client reference does not match any account, falling back to email",
			zap.String("ClientReferenceID", sess.ClientReferenceID),
		)
	}

	email := sess.Email()
	if len(email) == 0 && len(sess.Customer) > 0 {
		fetched, err := rec.Customers.RetrieveCustomer(ctx, sess.Customer)
		if err != nil {
			logger.Error("Unable to retrieve customer from Stripe",
				zap.Error(err),
				zap.String("StripeCustomerID", sess.Customer),
			)
		} else {
			email = fetched
		}
	}

	if len(email) == 0 {
		return "", ErrIdentityUnresolved
	}

	acct, err := rec.Accounts.GetByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if acct == nil {
		acct, err = rec.Accounts.Create(ctx, email)
		if err != nil {
			return "", err
		}
		logger.Info("Created account for purchaser without one",
			zap.String("AccountID", acct.ID),
		)
	}

	return acct.ID, nil
}
