package admission_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestAdmissionSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Admission Filter Suite")
}
