package consts

// MailtriageAdvisoryLockID is a unique integer used for a PostgreSQL advisory
// lock so that only one instance or admin tool runs critical operations
// (like migrations) at a time.
const MailtriageAdvisoryLockID = 58120474 // A randomly chosen integer
